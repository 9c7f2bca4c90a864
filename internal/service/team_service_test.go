package service

import (
	"context"
	"errors"
	"testing"

	"github.com/packfold/registry/internal/model"
	"github.com/packfold/registry/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const teamID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

func TestTeamService_CreateTeam(t *testing.T) {
	tests := []struct {
		name          string
		setupMocks    func(*MockTeamRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name: "success",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("Create", mock.Anything, mock.MatchedBy(func(team *repository.Team) bool {
					return team.Name == "platform" && team.OwnerID == "user1" && team.ID != ""
				})).Return(nil)
				tr.On("AddMember", mock.Anything, mock.MatchedBy(func(m *repository.TeamMember) bool {
					return m.UserID == "user1" && m.Role == model.RoleOwner
				})).Return(nil)
				tr.On("ListMembers", mock.Anything, mock.Anything).Return([]*repository.TeamMember{
					{UserID: "user1", Username: "alice", Role: model.RoleOwner},
				}, nil)
			},
		},
		{
			name: "name already taken",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("Create", mock.Anything, mock.Anything).Return(repository.ErrAlreadyExists)
			},
			expectedError: true,
			errorCode:     ErrorCodeConflict,
		},
		{
			name: "owner membership failure rolls up",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("Create", mock.Anything, mock.Anything).Return(nil)
				tr.On("AddMember", mock.Anything, mock.Anything).Return(errors.New("db error"))
			},
			expectedError: true,
			errorCode:     ErrorCodeUnspecified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTeamRepo := new(MockTeamRepository)
			tt.setupMocks(mockTeamRepo)

			service := NewTeamService(new(MockTransactor)).WithTeamRepo(mockTeamRepo)

			got, err := service.CreateTeam(context.Background(), "platform", "infra team", "user1")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
				assert.Nil(t, got)
			} else {
				assert.Nil(t, err)
				assert.Equal(t, "platform", got.Name)
				assert.Equal(t, model.RoleOwner, got.MemberRole)
				assert.Len(t, got.Members, 1)
			}

			mockTeamRepo.AssertExpectations(t)
		})
	}
}

func TestTeamService_ListTeams(t *testing.T) {
	otherTeamID := "8c1f6b2a-9d74-4e21-bb55-1a2b3c4d5e6f"

	mockTeamRepo := new(MockTeamRepository)
	mockTeamRepo.On("List", mock.Anything).Return([]*repository.Team{
		{ID: teamID, Name: "platform", OwnerID: "user1"},
		{ID: otherTeamID, Name: "frontend", OwnerID: "user2"},
	}, nil)
	// The full roster comes back in a single query, never once per team.
	mockTeamRepo.On("ListAllMembers", mock.Anything).Return([]*repository.TeamMember{
		{TeamID: teamID, UserID: "user1", Username: "alice", Role: model.RoleOwner},
		{TeamID: teamID, UserID: "user2", Username: "bob", Role: model.RoleMember},
		{TeamID: otherTeamID, UserID: "user2", Username: "bob", Role: model.RoleOwner},
	}, nil).Once()

	service := NewTeamService(new(MockTransactor)).WithTeamRepo(mockTeamRepo)

	got, err := service.ListTeams(context.Background(), "user2")

	assert.Nil(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, got[0].Members, 2)
	assert.Equal(t, model.RoleMember, got[0].MemberRole)
	assert.Len(t, got[1].Members, 1)
	assert.Equal(t, model.RoleOwner, got[1].MemberRole)
	mockTeamRepo.AssertExpectations(t)
	mockTeamRepo.AssertNotCalled(t, "ListMembers", mock.Anything, mock.Anything)
}

func TestTeamService_GetTeam(t *testing.T) {
	tests := []struct {
		name          string
		identifier    string
		setupMocks    func(*MockTeamRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name:       "resolved by id",
			identifier: teamID,
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("Get", mock.Anything, teamID).Return(&repository.Team{ID: teamID, Name: "platform"}, nil)
				tr.On("ListMembers", mock.Anything, teamID).Return([]*repository.TeamMember{}, nil)
			},
		},
		{
			name:       "resolved by name",
			identifier: "platform",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID, Name: "platform"}, nil)
				tr.On("ListMembers", mock.Anything, teamID).Return([]*repository.TeamMember{}, nil)
			},
		},
		{
			name:       "not found",
			identifier: "ghost",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("GetByName", mock.Anything, "ghost").Return(nil, repository.ErrNotFound)
			},
			expectedError: true,
			errorCode:     ErrorCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTeamRepo := new(MockTeamRepository)
			tt.setupMocks(mockTeamRepo)

			service := NewTeamService(new(MockTransactor)).WithTeamRepo(mockTeamRepo)

			got, err := service.GetTeam(context.Background(), tt.identifier, "")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
				assert.Nil(t, got)
			} else {
				assert.Nil(t, err)
				assert.Equal(t, "platform", got.Name)
			}

			mockTeamRepo.AssertExpectations(t)
		})
	}
}

func TestTeamService_AddMember(t *testing.T) {
	tests := []struct {
		name          string
		role          model.Role
		setupMocks    func(*MockTeamRepository, *MockUserRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name: "success",
			role: model.RoleMember,
			setupMocks: func(tr *MockTeamRepository, ur *MockUserRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
					UserID: "caller", Role: model.RoleAdmin,
				}, nil)
				ur.On("GetByUsername", mock.Anything, "bob").Return(&repository.User{
					ID: "user2", Username: "bob", Email: "bob@example.com",
				}, nil)
				tr.On("AddMember", mock.Anything, mock.MatchedBy(func(m *repository.TeamMember) bool {
					return m.UserID == "user2" && m.Role == model.RoleMember
				})).Return(nil)
			},
		},
		{
			name:          "owner role cannot be granted",
			role:          model.RoleOwner,
			setupMocks:    func(*MockTeamRepository, *MockUserRepository) {},
			expectedError: true,
			errorCode:     ErrorCodeValidation,
		},
		{
			name: "plain member cannot manage",
			role: model.RoleMember,
			setupMocks: func(tr *MockTeamRepository, ur *MockUserRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
					UserID: "caller", Role: model.RoleMember,
				}, nil)
			},
			expectedError: true,
			errorCode:     ErrorCodeAuthorization,
		},
		{
			name: "non-member cannot manage",
			role: model.RoleMember,
			setupMocks: func(tr *MockTeamRepository, ur *MockUserRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(nil, repository.ErrNotFound)
			},
			expectedError: true,
			errorCode:     ErrorCodeAuthorization,
		},
		{
			name: "already a member",
			role: model.RoleMember,
			setupMocks: func(tr *MockTeamRepository, ur *MockUserRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
					UserID: "caller", Role: model.RoleOwner,
				}, nil)
				ur.On("GetByUsername", mock.Anything, "bob").Return(&repository.User{ID: "user2"}, nil)
				tr.On("AddMember", mock.Anything, mock.Anything).Return(repository.ErrAlreadyExists)
			},
			expectedError: true,
			errorCode:     ErrorCodeConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTeamRepo := new(MockTeamRepository)
			mockUserRepo := new(MockUserRepository)
			tt.setupMocks(mockTeamRepo, mockUserRepo)

			service := NewTeamService(new(MockTransactor)).
				WithTeamRepo(mockTeamRepo).
				WithUserRepo(mockUserRepo)

			got, err := service.AddMember(context.Background(), "platform", "bob", tt.role, "caller")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
				assert.Nil(t, got)
			} else {
				assert.Nil(t, err)
				assert.Equal(t, "user2", got.UserID)
				assert.Equal(t, model.RoleMember, got.Role)
			}

			mockTeamRepo.AssertExpectations(t)
			mockUserRepo.AssertExpectations(t)
		})
	}
}

func TestTeamService_RemoveMember(t *testing.T) {
	tests := []struct {
		name          string
		setupMocks    func(*MockTeamRepository)
		expectedError bool
		errorCode     ErrorCode
	}{
		{
			name: "success",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
					UserID: "caller", Role: model.RoleOwner,
				}, nil)
				tr.On("GetMember", mock.Anything, teamID, "user2").Return(&repository.TeamMember{
					UserID: "user2", Role: model.RoleMember,
				}, nil)
				tr.On("RemoveMember", mock.Anything, teamID, "user2").Return(nil)
			},
		},
		{
			name: "owner membership is permanent",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
					UserID: "caller", Role: model.RoleAdmin,
				}, nil)
				tr.On("GetMember", mock.Anything, teamID, "user2").Return(&repository.TeamMember{
					UserID: "user2", Role: model.RoleOwner,
				}, nil)
			},
			expectedError: true,
			errorCode:     ErrorCodeAuthorization,
		},
		{
			name: "target not a member",
			setupMocks: func(tr *MockTeamRepository) {
				tr.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
				tr.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
					UserID: "caller", Role: model.RoleOwner,
				}, nil)
				tr.On("GetMember", mock.Anything, teamID, "user2").Return(nil, repository.ErrNotFound)
			},
			expectedError: true,
			errorCode:     ErrorCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTeamRepo := new(MockTeamRepository)
			tt.setupMocks(mockTeamRepo)

			service := NewTeamService(new(MockTransactor)).WithTeamRepo(mockTeamRepo)

			err := service.RemoveMember(context.Background(), "platform", "user2", "caller")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, tt.errorCode, err.Code)
			} else {
				assert.Nil(t, err)
			}

			mockTeamRepo.AssertExpectations(t)
		})
	}
}

func TestTeamService_UpdateMemberRole(t *testing.T) {
	mockTeamRepo := new(MockTeamRepository)
	mockTeamRepo.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
	mockTeamRepo.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
		UserID: "caller", Role: model.RoleOwner,
	}, nil)
	mockTeamRepo.On("GetMember", mock.Anything, teamID, "owner").Return(&repository.TeamMember{
		UserID: "owner", Role: model.RoleOwner,
	}, nil)

	service := NewTeamService(new(MockTransactor)).WithTeamRepo(mockTeamRepo)

	got, err := service.UpdateMemberRole(context.Background(), "platform", "owner", model.RoleMember, "caller")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorCodeAuthorization, err.Code)
	assert.Nil(t, got)
}

func TestTeamService_DeleteTeam(t *testing.T) {
	tests := []struct {
		name          string
		callerRole    model.Role
		expectedError bool
	}{
		{name: "owner can delete", callerRole: model.RoleOwner},
		{name: "admin cannot delete", callerRole: model.RoleAdmin, expectedError: true},
		{name: "member cannot delete", callerRole: model.RoleMember, expectedError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTeamRepo := new(MockTeamRepository)
			mockTeamRepo.On("GetByName", mock.Anything, "platform").Return(&repository.Team{ID: teamID}, nil)
			mockTeamRepo.On("GetMember", mock.Anything, teamID, "caller").Return(&repository.TeamMember{
				UserID: "caller", Role: tt.callerRole,
			}, nil)
			if !tt.expectedError {
				mockTeamRepo.On("Delete", mock.Anything, teamID).Return(nil)
			}

			service := NewTeamService(new(MockTransactor)).WithTeamRepo(mockTeamRepo)

			err := service.DeleteTeam(context.Background(), "platform", "caller")

			if tt.expectedError {
				assert.NotNil(t, err)
				assert.Equal(t, ErrorCodeAuthorization, err.Code)
			} else {
				assert.Nil(t, err)
			}

			mockTeamRepo.AssertExpectations(t)
		})
	}
}
