package service

import (
	"context"
	"time"

	"github.com/packfold/registry/internal/model"
	"github.com/packfold/registry/internal/repository"
	"github.com/stretchr/testify/mock"
)

type MockTransactor struct {
	mock.Mock
}

func (m *MockTransactor) WithinTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Create(ctx context.Context, user *repository.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) Get(ctx context.Context, userID string) (*repository.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.User), args.Error(1)
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*repository.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.User), args.Error(1)
}

func (m *MockUserRepository) ExistsOther(ctx context.Context, excludeID, username, email string) (bool, error) {
	args := m.Called(ctx, excludeID, username, email)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserRepository) Patch(ctx context.Context, patch *repository.UserPatch) (*repository.User, error) {
	args := m.Called(ctx, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.User), args.Error(1)
}

func (m *MockUserRepository) Delete(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockUserRepository) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockTeamRepository struct {
	mock.Mock
}

func (m *MockTeamRepository) Create(ctx context.Context, team *repository.Team) error {
	args := m.Called(ctx, team)
	return args.Error(0)
}

func (m *MockTeamRepository) Get(ctx context.Context, teamID string) (*repository.Team, error) {
	args := m.Called(ctx, teamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Team), args.Error(1)
}

func (m *MockTeamRepository) GetByName(ctx context.Context, name string) (*repository.Team, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Team), args.Error(1)
}

func (m *MockTeamRepository) List(ctx context.Context) ([]*repository.Team, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.Team), args.Error(1)
}

func (m *MockTeamRepository) Delete(ctx context.Context, teamID string) error {
	args := m.Called(ctx, teamID)
	return args.Error(0)
}

func (m *MockTeamRepository) AddMember(ctx context.Context, member *repository.TeamMember) error {
	args := m.Called(ctx, member)
	return args.Error(0)
}

func (m *MockTeamRepository) GetMember(ctx context.Context, teamID, userID string) (*repository.TeamMember, error) {
	args := m.Called(ctx, teamID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.TeamMember), args.Error(1)
}

func (m *MockTeamRepository) ListMembers(ctx context.Context, teamID string) ([]*repository.TeamMember, error) {
	args := m.Called(ctx, teamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.TeamMember), args.Error(1)
}

func (m *MockTeamRepository) ListAllMembers(ctx context.Context) ([]*repository.TeamMember, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.TeamMember), args.Error(1)
}

func (m *MockTeamRepository) RemoveMember(ctx context.Context, teamID, userID string) error {
	args := m.Called(ctx, teamID, userID)
	return args.Error(0)
}

func (m *MockTeamRepository) UpdateMemberRole(ctx context.Context, teamID, userID string, role model.Role) (*repository.TeamMember, error) {
	args := m.Called(ctx, teamID, userID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.TeamMember), args.Error(1)
}

type MockPackageRepository struct {
	mock.Mock
}

func (m *MockPackageRepository) Create(ctx context.Context, pkg *repository.Package) error {
	args := m.Called(ctx, pkg)
	return args.Error(0)
}

func (m *MockPackageRepository) AddTags(ctx context.Context, packageID string, tags []string) error {
	args := m.Called(ctx, packageID, tags)
	return args.Error(0)
}

func (m *MockPackageRepository) GetTags(ctx context.Context, packageIDs []string) (map[string][]string, error) {
	args := m.Called(ctx, packageIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]string), args.Error(1)
}

func (m *MockPackageRepository) Exists(ctx context.Context, name, version string) (bool, error) {
	args := m.Called(ctx, name, version)
	return args.Bool(0), args.Error(1)
}

func (m *MockPackageRepository) Get(ctx context.Context, name, version string) (*repository.Package, error) {
	args := m.Called(ctx, name, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Package), args.Error(1)
}

func (m *MockPackageRepository) GetByChecksum(ctx context.Context, checksum string) (*repository.Package, error) {
	args := m.Called(ctx, checksum)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Package), args.Error(1)
}

func (m *MockPackageRepository) List(ctx context.Context, filter *repository.PackageFilter) ([]*repository.Package, int64, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*repository.Package), args.Get(1).(int64), args.Error(2)
}

func (m *MockPackageRepository) Versions(ctx context.Context, name string) ([]*repository.PackageVersion, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.PackageVersion), args.Error(1)
}

func (m *MockPackageRepository) AttachArtifact(ctx context.Context, name, version, ownerID string, patch *repository.ArtifactPatch) (*repository.Package, error) {
	args := m.Called(ctx, name, version, ownerID, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Package), args.Error(1)
}

func (m *MockPackageRepository) Delete(ctx context.Context, name, version string) error {
	args := m.Called(ctx, name, version)
	return args.Error(0)
}

func (m *MockPackageRepository) IncrementDownloads(ctx context.Context, name, version string) error {
	args := m.Called(ctx, name, version)
	return args.Error(0)
}

func (m *MockPackageRepository) GlobalStats(ctx context.Context) (*repository.GlobalStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.GlobalStats), args.Error(1)
}

type MockDownloadRepository struct {
	mock.Mock
}

func (m *MockDownloadRepository) Insert(ctx context.Context, d *repository.Download) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDownloadRepository) CountByDay(ctx context.Context, name, version string, since time.Time) ([]*repository.DayCount, error) {
	args := m.Called(ctx, name, version, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.DayCount), args.Error(1)
}
