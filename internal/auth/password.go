package auth

import "golang.org/x/crypto/bcrypt"

const passwordHashCost = 12

// dummyPasswordHash is a valid bcrypt hash compared against when a login
// names a user that does not exist, so the unknown-username path costs the
// same as a wrong-password check and usernames cannot be enumerated by
// timing login responses. It is generated at startup so its cost always
// matches passwordHashCost.
var dummyPasswordHash = mustGenerateDummyHash()

func mustGenerateDummyHash() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), passwordHashCost)
	if err != nil {
		panic(err)
	}
	return hash
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// BurnPasswordCheck performs a bcrypt comparison whose result is discarded.
func BurnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
}
