package service

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/packfold/registry/internal/db"
	"github.com/packfold/registry/internal/model"
	"github.com/packfold/registry/internal/repository"
	"github.com/packfold/registry/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

type TeamService struct {
	tx db.Transactor

	teams repository.TeamRepository
	users repository.UserRepository
}

func NewTeamService(tx db.Transactor) *TeamService {
	return &TeamService{tx: tx}
}

// CreateTeam creates the team and its owner membership atomically, so a team
// can never exist without exactly one owner.
func (t *TeamService) CreateTeam(ctx context.Context, name, description, ownerID string) (*model.Team, *Error) {
	l := logger.FromContext(ctx)
	l.Info("creating team", zap.String("team_name", name), zap.String("owner_id", ownerID))

	team := &repository.Team{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
	}

	err := t.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		if err := t.teams.Create(txCtx, team); err != nil {
			return err
		}
		return t.teams.AddMember(txCtx, &repository.TeamMember{
			TeamID: team.ID,
			UserID: ownerID,
			Role:   model.RoleOwner,
		})
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		l.Warn("team already exists", zap.String("team_name", name))
		return nil, NewError(ErrorCodeConflict, "team name already exists")
	}
	if err != nil {
		l.Error("failed to create team", zap.String("team_name", name), zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to create team")
	}

	return t.teamModel(ctx, team, ownerID)
}

// ListTeams returns every team. When callerID is set, the caller's role in
// each team is attached; unauthenticated listings omit it.
func (t *TeamService) ListTeams(ctx context.Context, callerID string) ([]*model.Team, *Error) {
	teams, err := t.teams.List(ctx)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to list teams")
	}

	// One roster query for every team, grouped in memory.
	allMembers, err := t.teams.ListAllMembers(ctx)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to list teams")
	}
	byTeam := map[string][]*repository.TeamMember{}
	roles := map[string]model.Role{}
	for _, m := range allMembers {
		byTeam[m.TeamID] = append(byTeam[m.TeamID], m)
		if callerID != "" && m.UserID == callerID {
			roles[m.TeamID] = m.Role
		}
	}

	result := make([]*model.Team, 0, len(teams))
	for _, team := range teams {
		m := teamToModel(team, byTeam[team.ID])
		m.MemberRole = roles[team.ID]
		result = append(result, m)
	}
	return result, nil
}

func (t *TeamService) GetTeam(ctx context.Context, identifier, callerID string) (*model.Team, *Error) {
	team, svcErr := t.resolveTeam(ctx, identifier)
	if svcErr != nil {
		return nil, svcErr
	}
	return t.teamModel(ctx, team, callerID)
}

func (t *TeamService) GetMembers(ctx context.Context, identifier string) ([]*model.TeamMember, *Error) {
	team, svcErr := t.resolveTeam(ctx, identifier)
	if svcErr != nil {
		return nil, svcErr
	}

	members, err := t.teams.ListMembers(ctx, team.ID)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to list team members")
	}
	return membersToModel(members), nil
}

func (t *TeamService) AddMember(ctx context.Context, identifier, username string, role model.Role, callerID string) (*model.TeamMember, *Error) {
	l := logger.FromContext(ctx)

	if role != model.RoleAdmin && role != model.RoleMember {
		return nil, NewError(ErrorCodeValidation, "role must be admin or member")
	}

	team, svcErr := t.resolveTeam(ctx, identifier)
	if svcErr != nil {
		return nil, svcErr
	}

	if svcErr = t.requireManageMembers(ctx, team.ID, callerID); svcErr != nil {
		return nil, svcErr
	}

	user, err := t.users.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "user not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to add team member")
	}

	member := &repository.TeamMember{
		TeamID:   team.ID,
		UserID:   user.ID,
		Role:     role,
		Username: user.Username,
		Email:    user.Email,
	}
	err = t.teams.AddMember(ctx, member)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, NewError(ErrorCodeConflict, "user is already a team member")
	}
	if err != nil {
		l.Error("failed to add team member",
			zap.String("team_id", team.ID),
			zap.String("user_id", user.ID),
			zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to add team member")
	}

	return memberToModel(member), nil
}

func (t *TeamService) RemoveMember(ctx context.Context, identifier, userID, callerID string) *Error {
	team, svcErr := t.resolveTeam(ctx, identifier)
	if svcErr != nil {
		return svcErr
	}

	if svcErr = t.requireManageMembers(ctx, team.ID, callerID); svcErr != nil {
		return svcErr
	}

	target, err := t.teams.GetMember(ctx, team.ID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return NewError(ErrorCodeNotFound, "user is not a team member")
	}
	if err != nil {
		return NewError(ErrorCodeUnspecified, "failed to remove team member")
	}

	// The owner membership is permanent; ownership transfer is not exposed.
	if target.Role == model.RoleOwner {
		return NewError(ErrorCodeAuthorization, "cannot remove team owner")
	}

	if err = t.teams.RemoveMember(ctx, team.ID, userID); err != nil {
		return NewError(ErrorCodeUnspecified, "failed to remove team member")
	}
	return nil
}

func (t *TeamService) UpdateMemberRole(ctx context.Context, identifier, userID string, role model.Role, callerID string) (*model.TeamMember, *Error) {
	if role != model.RoleAdmin && role != model.RoleMember {
		return nil, NewError(ErrorCodeValidation, "role must be admin or member")
	}

	team, svcErr := t.resolveTeam(ctx, identifier)
	if svcErr != nil {
		return nil, svcErr
	}

	if svcErr = t.requireManageMembers(ctx, team.ID, callerID); svcErr != nil {
		return nil, svcErr
	}

	target, err := t.teams.GetMember(ctx, team.ID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "user is not a team member")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to update member role")
	}

	if target.Role == model.RoleOwner {
		return nil, NewError(ErrorCodeAuthorization, "cannot change team owner role")
	}

	updated, err := t.teams.UpdateMemberRole(ctx, team.ID, userID, role)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to update member role")
	}
	return memberToModel(updated), nil
}

func (t *TeamService) DeleteTeam(ctx context.Context, identifier, callerID string) *Error {
	l := logger.FromContext(ctx)

	team, svcErr := t.resolveTeam(ctx, identifier)
	if svcErr != nil {
		return svcErr
	}

	member, err := t.teams.GetMember(ctx, team.ID, callerID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !member.Role.CanDeleteTeam()) {
		return NewError(ErrorCodeAuthorization, "only the team owner can delete the team")
	}
	if err != nil {
		return NewError(ErrorCodeUnspecified, "failed to delete team")
	}

	if err = t.teams.Delete(ctx, team.ID); err != nil {
		l.Error("failed to delete team", zap.String("team_id", team.ID), zap.Error(err))
		return NewError(ErrorCodeUnspecified, "failed to delete team")
	}
	return nil
}

// resolveTeam accepts either a team id or a team name, the way clients
// address teams interchangeably.
func (t *TeamService) resolveTeam(ctx context.Context, identifier string) (*repository.Team, *Error) {
	var team *repository.Team
	var err error

	if uuidPattern.MatchString(identifier) {
		team, err = t.teams.Get(ctx, identifier)
	} else {
		team, err = t.teams.GetByName(ctx, identifier)
	}

	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "team not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to resolve team")
	}
	return team, nil
}

func (t *TeamService) requireManageMembers(ctx context.Context, teamID, callerID string) *Error {
	member, err := t.teams.GetMember(ctx, teamID, callerID)
	if errors.Is(err, repository.ErrNotFound) {
		return NewError(ErrorCodeAuthorization, "insufficient permissions to manage team members")
	}
	if err != nil {
		return NewError(ErrorCodeUnspecified, "failed to check team permissions")
	}
	if !member.Role.CanManageMembers() {
		return NewError(ErrorCodeAuthorization, "insufficient permissions to manage team members")
	}
	return nil
}

func (t *TeamService) teamModel(ctx context.Context, team *repository.Team, callerID string) (*model.Team, *Error) {
	members, err := t.teams.ListMembers(ctx, team.ID)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to load team members")
	}

	m := teamToModel(team, members)
	if callerID != "" {
		for _, member := range members {
			if member.UserID == callerID {
				m.MemberRole = member.Role
				break
			}
		}
	}
	return m, nil
}

func teamToModel(team *repository.Team, members []*repository.TeamMember) *model.Team {
	return &model.Team{
		ID:          team.ID,
		Name:        team.Name,
		Description: team.Description,
		OwnerID:     team.OwnerID,
		CreatedAt:   team.CreatedAt,
		Members:     membersToModel(members),
	}
}

func membersToModel(members []*repository.TeamMember) []*model.TeamMember {
	result := make([]*model.TeamMember, 0, len(members))
	for _, m := range members {
		result = append(result, memberToModel(m))
	}
	return result
}

func memberToModel(m *repository.TeamMember) *model.TeamMember {
	return &model.TeamMember{
		UserID:   m.UserID,
		Username: m.Username,
		Email:    m.Email,
		Role:     m.Role,
		JoinedAt: m.JoinedAt,
	}
}

func (t *TeamService) WithTeamRepo(r repository.TeamRepository) *TeamService {
	t.teams = r
	return t
}

func (t *TeamService) WithUserRepo(r repository.UserRepository) *TeamService {
	t.users = r
	return t
}
