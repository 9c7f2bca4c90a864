package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/packfold/registry/internal/db"
	"github.com/pkg/errors"
	"github.com/stephenafamo/bob"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/dialect"
	"github.com/stephenafamo/bob/dialect/psql/dm"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/stephenafamo/bob/dialect/psql/um"
)

type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

type UserPatch struct {
	ID       string  `db:"id"`
	Username *string `db:"username"`
	Email    *string `db:"email"`
}

type UserRepository interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, userID string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	ExistsOther(ctx context.Context, excludeID, username, email string) (bool, error)
	Patch(ctx context.Context, patch *UserPatch) (*User, error)
	Delete(ctx context.Context, userID string) error
	Count(ctx context.Context) (int64, error)
}

type pgxUserRepository struct {
	pool *pgxpool.Pool
}

func NewPgxUserRepository(pool *pgxpool.Pool) UserRepository {
	return &pgxUserRepository{pool: pool}
}

func (p *pgxUserRepository) Create(ctx context.Context, user *User) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("users", "id", "username", "email", "password_hash"),
		im.Values(psql.Arg(user.ID), psql.Arg(user.Username), psql.Arg(user.Email), psql.Arg(user.PasswordHash)),
		im.Returning("created_at"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	err = e.QueryRow(ctx, sql, args...).Scan(&user.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}

	return err
}

func (p *pgxUserRepository) Get(ctx context.Context, userID string) (*User, error) {
	return p.getWhere(ctx, "id", userID)
}

func (p *pgxUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return p.getWhere(ctx, "username", username)
}

func (p *pgxUserRepository) getWhere(ctx context.Context, column, value string) (*User, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("id", "username", "email", "password_hash", "created_at"),
		sm.From("users"),
		sm.Where(psql.Quote(column).EQ(psql.Arg(value))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	u := &User{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// ExistsOther reports whether another user already holds the username or
// email, used to re-check uniqueness before a profile update.
func (p *pgxUserRepository) ExistsOther(ctx context.Context, excludeID, username, email string) (bool, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("count(*)"),
		sm.From("users"),
		sm.Where(psql.Quote("id").NE(psql.Arg(excludeID))),
		sm.Where(psql.Raw("(username = ? OR email = ?)", username, email)),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return false, err
	}

	var count int64
	if err = e.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *pgxUserRepository) Patch(ctx context.Context, patch *UserPatch) (*User, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	sets := make([]bob.Mod[*dialect.UpdateQuery], 0, 2)

	if patch.Username != nil {
		sets = append(sets, um.SetCol("username").ToArg(*patch.Username))
	}
	if patch.Email != nil {
		sets = append(sets, um.SetCol("email").ToArg(*patch.Email))
	}

	q := psql.Update(
		um.Table("users"),
		um.Where(psql.Quote("id").EQ(psql.Arg(patch.ID))),
		um.Returning("id", "username", "email", "password_hash", "created_at"),
	)

	q.Apply(sets...)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	u := &User{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return u, nil
}

func (p *pgxUserRepository) Delete(ctx context.Context, userID string) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Delete(
		dm.From("users"),
		dm.Where(psql.Quote("id").EQ(psql.Arg(userID))),
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

func (p *pgxUserRepository) Count(ctx context.Context) (int64, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("count(*)"),
		sm.From("users"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err = e.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
