package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/packfold/registry/internal/auth"
	"github.com/packfold/registry/internal/db"
	"github.com/packfold/registry/internal/model"
	"github.com/packfold/registry/internal/repository"
	"github.com/packfold/registry/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type AuthService struct {
	tx db.Transactor

	users repository.UserRepository

	tokenValidity time.Duration
	minLoginTime  time.Duration
}

func NewAuthService(tx db.Transactor) *AuthService {
	return &AuthService{
		tx:            tx,
		tokenValidity: auth.TokenValidity,
		minLoginTime:  100 * time.Millisecond,
	}
}

func (a *AuthService) Register(ctx context.Context, username, email, password string) (*model.AuthResult, *Error) {
	l := logger.FromContext(ctx)
	l.Info("registering user", zap.String("username", username))

	hash, err := auth.HashPassword(password)
	if err != nil {
		l.Error("failed to hash password", zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to register user")
	}

	user := &repository.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(email),
		PasswordHash: hash,
	}

	err = a.users.Create(ctx, user)
	if errors.Is(err, repository.ErrAlreadyExists) {
		l.Warn("registration conflict", zap.String("username", username))
		return nil, NewError(ErrorCodeConflict, "username or email already exists")
	}
	if err != nil {
		l.Error("failed to create user", zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to register user")
	}

	return a.authResult(user)
}

// Login verifies credentials with a constant latency floor. When the
// username does not exist a dummy hash comparison is performed anyway, so
// both failure paths cost one bcrypt comparison and neither returns before
// the minimum processing time has elapsed.
func (a *AuthService) Login(ctx context.Context, username, password string) (*model.AuthResult, *Error) {
	l := logger.FromContext(ctx)

	start := time.Now()
	defer auth.EnforceMinDuration(start, a.minLoginTime)

	user, err := a.users.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		auth.BurnPasswordCheck(password)
		l.Warn("login failed: unknown user", zap.String("username", username))
		return nil, NewError(ErrorCodeAuthentication, "invalid username or password")
	}
	if err != nil {
		l.Error("failed to look up user", zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to log in")
	}

	if !auth.CheckPassword(user.PasswordHash, password) {
		l.Warn("login failed: wrong password", zap.String("username", username))
		return nil, NewError(ErrorCodeAuthentication, "invalid username or password")
	}

	return a.authResult(user)
}

func (a *AuthService) Profile(ctx context.Context, userID string) (*model.User, *Error) {
	user, err := a.users.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "user not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get profile")
	}
	return userModel(user), nil
}

func (a *AuthService) GetUserByUsername(ctx context.Context, username string) (*model.User, *Error) {
	user, err := a.users.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "user not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get user")
	}
	return userModel(user), nil
}

// UpdateProfile changes username or email, re-checking uniqueness against
// every other user before writing.
func (a *AuthService) UpdateProfile(ctx context.Context, userID, username, email string) (*model.User, *Error) {
	l := logger.FromContext(ctx)

	email = strings.ToLower(email)

	var updated *repository.User
	err := a.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		taken, err := a.users.ExistsOther(txCtx, userID, username, email)
		if err != nil {
			return err
		}
		if taken {
			return NewError(ErrorCodeConflict, "username or email already exists")
		}

		updated, err = a.users.Patch(txCtx, &repository.UserPatch{
			ID:       userID,
			Username: &username,
			Email:    &email,
		})
		return err
	})

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return nil, svcErr
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "user not found")
	}
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, NewError(ErrorCodeConflict, "username or email already exists")
	}
	if err != nil {
		l.Error("failed to update profile", zap.String("user_id", userID), zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to update profile")
	}

	return userModel(updated), nil
}

func (a *AuthService) DeleteAccount(ctx context.Context, userID string) *Error {
	l := logger.FromContext(ctx)

	err := a.users.Delete(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return NewError(ErrorCodeNotFound, "user not found")
	}
	if err != nil {
		l.Error("failed to delete account", zap.String("user_id", userID), zap.Error(err))
		return NewError(ErrorCodeUnspecified, "failed to delete account")
	}
	return nil
}

func (a *AuthService) authResult(user *repository.User) (*model.AuthResult, *Error) {
	token, err := auth.GenerateToken(user.ID, user.Username, a.tokenValidity)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to issue token")
	}
	return &model.AuthResult{
		Token: token,
		User:  userModel(user),
	}, nil
}

func userModel(user *repository.User) *model.User {
	return &model.User{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}
}

func (a *AuthService) WithUserRepo(r repository.UserRepository) *AuthService {
	a.users = r
	return a
}

func (a *AuthService) WithTokenValidity(d time.Duration) *AuthService {
	a.tokenValidity = d
	return a
}

// WithMinLoginTime overrides the login latency floor, used by tests.
func (a *AuthService) WithMinLoginTime(d time.Duration) *AuthService {
	a.minLoginTime = d
	return a
}
