package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/packfold/registry/internal/db"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/im"
)

// Download is one append-only analytics row. Rows are never updated or
// deleted; the ip hash is computed before storage, the raw address never
// reaches this layer.
type Download struct {
	PackageID   string  `db:"package_id"`
	PackageName string  `db:"package_name"`
	Version     string  `db:"version"`
	IPHash      *string `db:"ip_hash"`
	UserAgent   *string `db:"user_agent"`
}

type DayCount struct {
	Day   time.Time
	Count int64
}

type DownloadRepository interface {
	Insert(ctx context.Context, d *Download) error
	CountByDay(ctx context.Context, name, version string, since time.Time) ([]*DayCount, error)
}

type pgxDownloadRepository struct {
	pool *pgxpool.Pool
}

func NewPgxDownloadRepository(pool *pgxpool.Pool) DownloadRepository {
	return &pgxDownloadRepository{pool: pool}
}

func (p *pgxDownloadRepository) Insert(ctx context.Context, d *Download) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("package_downloads", "package_id", "package_name", "version", "ip_hash", "user_agent"),
		im.Values(
			psql.Arg(d.PackageID), psql.Arg(d.PackageName), psql.Arg(d.Version),
			psql.Arg(d.IPHash), psql.Arg(d.UserAgent),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	_, err = e.Exec(ctx, sql, args...)
	return err
}

// CountByDay buckets download events by UTC calendar day, oldest first. Days
// without events are absent; the service layer zero-fills the range.
func (p *pgxDownloadRepository) CountByDay(ctx context.Context, name, version string, since time.Time) ([]*DayCount, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	rows, err := e.Query(ctx, `
SELECT (downloaded_at AT TIME ZONE 'UTC')::date AS day, COUNT(*)
FROM package_downloads
WHERE package_name = $1 AND version = $2 AND downloaded_at >= $3
GROUP BY day
ORDER BY day`, name, version, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []*DayCount
	for rows.Next() {
		c := &DayCount{}
		if err = rows.Scan(&c.Day, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
