package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/packfold/registry/internal/auth"
	"github.com/packfold/registry/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name          string
		username      string
		email         string
		setupMocks    func(*MockUserRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name:     "success",
			username: "alice",
			email:    "Alice@Example.COM",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("Create", mock.Anything, mock.MatchedBy(func(u *repository.User) bool {
					return u.Username == "alice" && u.Email == "alice@example.com" && u.PasswordHash != ""
				})).Return(nil)
			},
		},
		{
			name:     "username or email taken",
			username: "alice",
			email:    "alice@example.com",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("Create", mock.Anything, mock.Anything).Return(repository.ErrAlreadyExists)
			},
			expectedError: true,
			errorCode:     ErrorCodeConflict,
		},
		{
			name:     "create failure",
			username: "alice",
			email:    "alice@example.com",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("Create", mock.Anything, mock.Anything).Return(errors.New("db error"))
			},
			expectedError: true,
			errorCode:     ErrorCodeUnspecified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTx := new(MockTransactor)
			mockUserRepo := new(MockUserRepository)

			tt.setupMocks(mockUserRepo)

			service := NewAuthService(mockTx).WithUserRepo(mockUserRepo)

			got, err := service.Register(context.Background(), tt.username, tt.email, "hunter2hunter2")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
				assert.Nil(t, got)
			} else {
				assert.Nil(t, err)
				assert.NotEmpty(t, got.Token)
				assert.Equal(t, tt.username, got.User.Username)
				assert.Equal(t, "alice@example.com", got.User.Email)
			}

			mockUserRepo.AssertExpectations(t)
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	hash, hashErr := auth.HashPassword("correct-password")
	assert.NoError(t, hashErr)

	tests := []struct {
		name          string
		password      string
		setupMocks    func(*MockUserRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name:     "success",
			password: "correct-password",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("GetByUsername", mock.Anything, "alice").Return(&repository.User{
					ID:           "user1",
					Username:     "alice",
					Email:        "alice@example.com",
					PasswordHash: hash,
				}, nil)
			},
		},
		{
			name:     "unknown user",
			password: "correct-password",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("GetByUsername", mock.Anything, "alice").Return(nil, repository.ErrNotFound)
			},
			expectedError: true,
			errorCode:     ErrorCodeAuthentication,
		},
		{
			name:     "wrong password",
			password: "wrong-password",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("GetByUsername", mock.Anything, "alice").Return(&repository.User{
					ID:           "user1",
					Username:     "alice",
					PasswordHash: hash,
				}, nil)
			},
			expectedError: true,
			errorCode:     ErrorCodeAuthentication,
		},
		{
			name:     "lookup failure",
			password: "correct-password",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("GetByUsername", mock.Anything, "alice").Return(nil, errors.New("db error"))
			},
			expectedError: true,
			errorCode:     ErrorCodeUnspecified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTx := new(MockTransactor)
			mockUserRepo := new(MockUserRepository)

			tt.setupMocks(mockUserRepo)

			service := NewAuthService(mockTx).
				WithUserRepo(mockUserRepo).
				WithMinLoginTime(0)

			got, err := service.Login(context.Background(), "alice", tt.password)

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
				assert.Nil(t, got)
			} else {
				assert.Nil(t, err)
				assert.NotEmpty(t, got.Token)

				claims, verifyErr := auth.VerifyToken(got.Token)
				assert.NoError(t, verifyErr)
				assert.Equal(t, "user1", claims.Subject)
				assert.Equal(t, "alice", claims.Username)
			}

			mockUserRepo.AssertExpectations(t)
		})
	}
}

// Both rejection paths must take at least the configured minimum, so response
// latency does not reveal whether the username exists.
func TestAuthService_LoginLatencyFloor(t *testing.T) {
	const floor = 50 * time.Millisecond

	mockUserRepo := new(MockUserRepository)
	mockUserRepo.On("GetByUsername", mock.Anything, "ghost").Return(nil, repository.ErrNotFound)

	service := NewAuthService(new(MockTransactor)).
		WithUserRepo(mockUserRepo).
		WithMinLoginTime(floor)

	start := time.Now()
	_, err := service.Login(context.Background(), "ghost", "whatever")
	elapsed := time.Since(start)

	assert.NotNil(t, err)
	assert.Equal(t, ErrorCodeAuthentication, err.Code)
	assert.GreaterOrEqual(t, elapsed, floor)
}

func TestAuthService_UpdateProfile(t *testing.T) {
	tests := []struct {
		name          string
		setupMocks    func(*MockUserRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name: "success",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("ExistsOther", mock.Anything, "user1", "alice2", "alice2@example.com").Return(false, nil)
				ur.On("Patch", mock.Anything, mock.Anything).Return(&repository.User{
					ID:       "user1",
					Username: "alice2",
					Email:    "alice2@example.com",
				}, nil)
			},
		},
		{
			name: "identity taken by another user",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("ExistsOther", mock.Anything, "user1", "alice2", "alice2@example.com").Return(true, nil)
			},
			expectedError: true,
			errorCode:     ErrorCodeConflict,
		},
		{
			name: "user not found",
			setupMocks: func(ur *MockUserRepository) {
				ur.On("ExistsOther", mock.Anything, "user1", "alice2", "alice2@example.com").Return(false, nil)
				ur.On("Patch", mock.Anything, mock.Anything).Return(nil, repository.ErrNotFound)
			},
			expectedError: true,
			errorCode:     ErrorCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockUserRepo := new(MockUserRepository)
			tt.setupMocks(mockUserRepo)

			service := NewAuthService(new(MockTransactor)).WithUserRepo(mockUserRepo)

			got, err := service.UpdateProfile(context.Background(), "user1", "alice2", "Alice2@Example.com")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
				assert.Nil(t, got)
			} else {
				assert.Nil(t, err)
				assert.Equal(t, "alice2", got.Username)
				assert.Equal(t, "alice2@example.com", got.Email)
			}

			mockUserRepo.AssertExpectations(t)
		})
	}
}

func TestAuthService_DeleteAccount(t *testing.T) {
	mockUserRepo := new(MockUserRepository)
	mockUserRepo.On("Delete", mock.Anything, "missing").Return(repository.ErrNotFound)

	service := NewAuthService(new(MockTransactor)).WithUserRepo(mockUserRepo)

	err := service.DeleteAccount(context.Background(), "missing")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorCodeNotFound, err.Code)
}
