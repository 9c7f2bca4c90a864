package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/packfold/registry/internal/db"
	"github.com/packfold/registry/internal/model"
	"github.com/pkg/errors"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/dm"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/stephenafamo/bob/dialect/psql/um"
)

type Team struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	OwnerID     string    `db:"owner_id"`
	CreatedAt   time.Time `db:"created_at"`
}

type TeamMember struct {
	TeamID   string     `db:"team_id"`
	UserID   string     `db:"user_id"`
	Role     model.Role `db:"role"`
	JoinedAt time.Time  `db:"joined_at"`

	// Joined user columns, populated by member listings.
	Username string `db:"username"`
	Email    string `db:"email"`
}

type TeamRepository interface {
	Create(ctx context.Context, team *Team) error
	Get(ctx context.Context, teamID string) (*Team, error)
	GetByName(ctx context.Context, name string) (*Team, error)
	List(ctx context.Context) ([]*Team, error)
	Delete(ctx context.Context, teamID string) error

	AddMember(ctx context.Context, member *TeamMember) error
	GetMember(ctx context.Context, teamID, userID string) (*TeamMember, error)
	ListMembers(ctx context.Context, teamID string) ([]*TeamMember, error)
	ListAllMembers(ctx context.Context) ([]*TeamMember, error)
	RemoveMember(ctx context.Context, teamID, userID string) error
	UpdateMemberRole(ctx context.Context, teamID, userID string, role model.Role) (*TeamMember, error)
}

type pgxTeamRepository struct {
	pool *pgxpool.Pool
}

func NewPgxTeamRepository(pool *pgxpool.Pool) TeamRepository {
	return &pgxTeamRepository{pool: pool}
}

func (p *pgxTeamRepository) Create(ctx context.Context, team *Team) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("teams", "id", "name", "description", "owner_id"),
		im.Values(psql.Arg(team.ID), psql.Arg(team.Name), psql.Arg(team.Description), psql.Arg(team.OwnerID)),
		im.Returning("created_at"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	err = e.QueryRow(ctx, sql, args...).Scan(&team.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}

	return err
}

func (p *pgxTeamRepository) Get(ctx context.Context, teamID string) (*Team, error) {
	return p.getWhere(ctx, "id", teamID)
}

func (p *pgxTeamRepository) GetByName(ctx context.Context, name string) (*Team, error) {
	return p.getWhere(ctx, "name", name)
}

func (p *pgxTeamRepository) getWhere(ctx context.Context, column, value string) (*Team, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("id", "name", "description", "owner_id", "created_at"),
		sm.From("teams"),
		sm.Where(psql.Quote(column).EQ(psql.Arg(value))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	t := &Team{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.OwnerID,
		&t.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (p *pgxTeamRepository) List(ctx context.Context) ([]*Team, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("id", "name", "description", "owner_id", "created_at"),
		sm.From("teams"),
		sm.OrderBy("created_at").Desc(),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := e.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Team, error) {
		t := &Team{}
		if err = row.Scan(&t.ID, &t.Name, &t.Description, &t.OwnerID, &t.CreatedAt); err != nil {
			return nil, err
		}
		return t, nil
	})
}

func (p *pgxTeamRepository) Delete(ctx context.Context, teamID string) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Delete(
		dm.From("teams"),
		dm.Where(psql.Quote("id").EQ(psql.Arg(teamID))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	tag, err := e.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxTeamRepository) AddMember(ctx context.Context, member *TeamMember) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("team_members", "team_id", "user_id", "role"),
		im.Values(psql.Arg(member.TeamID), psql.Arg(member.UserID), psql.Arg(member.Role)),
		im.Returning("joined_at"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	err = e.QueryRow(ctx, sql, args...).Scan(&member.JoinedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}

	return err
}

func (p *pgxTeamRepository) GetMember(ctx context.Context, teamID, userID string) (*TeamMember, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("team_id", "user_id", "role", "joined_at"),
		sm.From("team_members"),
		sm.Where(psql.Quote("team_id").EQ(psql.Arg(teamID))),
		sm.Where(psql.Quote("user_id").EQ(psql.Arg(userID))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	m := &TeamMember{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&m.TeamID,
		&m.UserID,
		&m.Role,
		&m.JoinedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (p *pgxTeamRepository) ListMembers(ctx context.Context, teamID string) ([]*TeamMember, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("m.team_id", "m.user_id", "m.role", "m.joined_at", "u.username", "u.email"),
		sm.From("team_members").As("m"),
		sm.InnerJoin("users").As("u").On(psql.Raw("u.id = m.user_id")),
		sm.Where(psql.Quote("m", "team_id").EQ(psql.Arg(teamID))),
		sm.OrderBy("m.role").Asc(),
		sm.OrderBy("m.joined_at").Asc(),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := e.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return pgx.CollectRows(rows, scanMemberWithUser)
}

// ListAllMembers returns every membership across all teams in one query, so
// team listings do not go back to the database once per team.
func (p *pgxTeamRepository) ListAllMembers(ctx context.Context) ([]*TeamMember, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("m.team_id", "m.user_id", "m.role", "m.joined_at", "u.username", "u.email"),
		sm.From("team_members").As("m"),
		sm.InnerJoin("users").As("u").On(psql.Raw("u.id = m.user_id")),
		sm.OrderBy("m.team_id").Asc(),
		sm.OrderBy("m.role").Asc(),
		sm.OrderBy("m.joined_at").Asc(),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := e.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return pgx.CollectRows(rows, scanMemberWithUser)
}

func (p *pgxTeamRepository) RemoveMember(ctx context.Context, teamID, userID string) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Delete(
		dm.From("team_members"),
		dm.Where(psql.Quote("team_id").EQ(psql.Arg(teamID))),
		dm.Where(psql.Quote("user_id").EQ(psql.Arg(userID))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	tag, err := e.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxTeamRepository) UpdateMemberRole(ctx context.Context, teamID, userID string, role model.Role) (*TeamMember, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Update(
		um.Table("team_members"),
		um.SetCol("role").ToArg(role),
		um.Where(psql.Quote("team_id").EQ(psql.Arg(teamID))),
		um.Where(psql.Quote("user_id").EQ(psql.Arg(userID))),
		um.Returning("team_id", "user_id", "role", "joined_at"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	m := &TeamMember{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&m.TeamID,
		&m.UserID,
		&m.Role,
		&m.JoinedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanMemberWithUser(row pgx.CollectableRow) (*TeamMember, error) {
	m := &TeamMember{}
	if err := row.Scan(&m.TeamID, &m.UserID, &m.Role, &m.JoinedAt, &m.Username, &m.Email); err != nil {
		return nil, err
	}
	return m, nil
}
