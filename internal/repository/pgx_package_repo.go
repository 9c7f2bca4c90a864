package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/packfold/registry/internal/db"
	"github.com/pkg/errors"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/dm"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/stephenafamo/bob/dialect/psql/um"
)

type Package struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Version        string    `db:"version"`
	Description    string    `db:"description"`
	OwnerID        string    `db:"owner_id"`
	TeamID         *string   `db:"team_id"`
	FileSize       int64     `db:"file_size"`
	ChecksumSha256 string    `db:"checksum_sha256"`
	FilePath       string    `db:"file_path"`
	DownloadURL    string    `db:"download_url"`
	DownloadsCount int64     `db:"downloads_count"`
	PublishedAt    time.Time `db:"published_at"`
	UpdatedAt      time.Time `db:"updated_at"`

	// Joined columns, populated by detailed reads and listings.
	OwnerUsername  string    `db:"owner_username"`
	OwnerEmail     string    `db:"owner_email"`
	OwnerCreatedAt time.Time `db:"owner_created_at"`
	TeamName       *string   `db:"team_name"`
	TotalDownloads int64     `db:"total_downloads"`
}

// ArtifactPatch carries the deferred artifact metadata attached to a version
// after its archive has been uploaded. Only file-metadata columns may change.
type ArtifactPatch struct {
	FileSize       int64
	ChecksumSha256 string
	FilePath       string
	DownloadURL    string
}

type PackageFilter struct {
	Search string
	Owner  string
	Team   string
	Tags   []string
	Limit  int
	Offset int
}

type PackageVersion struct {
	ID             string    `db:"id"`
	Version        string    `db:"version"`
	Description    string    `db:"description"`
	DownloadsCount int64     `db:"downloads_count"`
	PublishedAt    time.Time `db:"published_at"`
}

type GlobalStats struct {
	TotalPackages  int64
	TotalDownloads int64
}

type PackageRepository interface {
	Create(ctx context.Context, pkg *Package) error
	AddTags(ctx context.Context, packageID string, tags []string) error
	GetTags(ctx context.Context, packageIDs []string) (map[string][]string, error)
	Exists(ctx context.Context, name, version string) (bool, error)
	Get(ctx context.Context, name, version string) (*Package, error)
	GetByChecksum(ctx context.Context, checksum string) (*Package, error)
	List(ctx context.Context, filter *PackageFilter) ([]*Package, int64, error)
	Versions(ctx context.Context, name string) ([]*PackageVersion, error)
	AttachArtifact(ctx context.Context, name, version, ownerID string, patch *ArtifactPatch) (*Package, error)
	Delete(ctx context.Context, name, version string) error
	IncrementDownloads(ctx context.Context, name, version string) error
	GlobalStats(ctx context.Context) (*GlobalStats, error)
}

type pgxPackageRepository struct {
	pool *pgxpool.Pool
}

func NewPgxPackageRepository(pool *pgxpool.Pool) PackageRepository {
	return &pgxPackageRepository{pool: pool}
}

func (p *pgxPackageRepository) Create(ctx context.Context, pkg *Package) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("packages",
			"id", "name", "version", "description", "owner_id", "team_id",
			"file_size", "checksum_sha256", "file_path", "download_url",
		),
		im.Values(
			psql.Arg(pkg.ID), psql.Arg(pkg.Name), psql.Arg(pkg.Version),
			psql.Arg(pkg.Description), psql.Arg(pkg.OwnerID), psql.Arg(pkg.TeamID),
			psql.Arg(pkg.FileSize), psql.Arg(pkg.ChecksumSha256),
			psql.Arg(pkg.FilePath), psql.Arg(pkg.DownloadURL),
		),
		im.Returning("published_at", "updated_at"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	err = e.QueryRow(ctx, sql, args...).Scan(&pkg.PublishedAt, &pkg.UpdatedAt)

	// The (name, version) unique index is the authoritative serialization
	// point for concurrent publishes of the same version.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}

	return err
}

func (p *pgxPackageRepository) AddTags(ctx context.Context, packageID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	for _, tag := range tags {
		q := psql.Insert(
			im.Into("package_tags", "package_id", "tag"),
			im.Values(psql.Arg(packageID), psql.Arg(strings.ToLower(tag))),
			im.OnConflict(psql.Quote("package_id"), psql.Quote("tag")).DoNothing(),
		)

		sql, args, err := q.Build(ctx)
		if err != nil {
			return err
		}
		if _, err = e.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

func (p *pgxPackageRepository) GetTags(ctx context.Context, packageIDs []string) (map[string][]string, error) {
	if len(packageIDs) == 0 {
		return map[string][]string{}, nil
	}

	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	rows, err := e.Query(ctx,
		`SELECT package_id, tag FROM package_tags WHERE package_id = ANY($1) ORDER BY tag`,
		packageIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make(map[string][]string, len(packageIDs))
	for rows.Next() {
		var id, tag string
		if err = rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		tags[id] = append(tags[id], tag)
	}
	return tags, rows.Err()
}

// Exists is the advisory pre-check before publish; the unique index remains
// the authoritative guard under concurrency.
func (p *pgxPackageRepository) Exists(ctx context.Context, name, version string) (bool, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("count(*)"),
		sm.From("packages"),
		sm.Where(psql.Quote("name").EQ(psql.Arg(name))),
		sm.Where(psql.Quote("version").EQ(psql.Arg(version))),
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

const packageSelect = `
SELECT p.id, p.name, p.version, p.description, p.owner_id, p.team_id,
       p.file_size, p.checksum_sha256, p.file_path, p.download_url,
       p.downloads_count, p.published_at, p.updated_at,
       u.username, u.email, u.created_at,
       t.name,
       (SELECT COALESCE(SUM(p2.downloads_count), 0) FROM packages p2 WHERE p2.name = p.name)
FROM packages p
JOIN users u ON u.id = p.owner_id
LEFT JOIN teams t ON t.id = p.team_id`

func (p *pgxPackageRepository) Get(ctx context.Context, name, version string) (*Package, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	row := e.QueryRow(ctx, packageSelect+` WHERE p.name = $1 AND p.version = $2`, name, version)
	return scanDetailedPackage(row)
}

func (p *pgxPackageRepository) GetByChecksum(ctx context.Context, checksum string) (*Package, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	row := e.QueryRow(ctx, packageSelect+` WHERE p.checksum_sha256 = $1 ORDER BY p.published_at DESC LIMIT 1`, checksum)
	return scanDetailedPackage(row)
}

// List returns the most recently published version per package name matching
// the filter, newest first, plus the total count of distinct names for
// pagination. Filters combine conjunctively.
func (p *pgxPackageRepository) List(ctx context.Context, filter *PackageFilter) ([]*Package, int64, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	where, args := buildPackageFilter(filter)

	latest := fmt.Sprintf(`
SELECT DISTINCT ON (p.name)
       p.id, p.name, p.version, p.description, p.owner_id, p.team_id,
       p.file_size, p.checksum_sha256, p.file_path, p.download_url,
       p.downloads_count, p.published_at, p.updated_at,
       u.username AS owner_username, u.email AS owner_email, u.created_at AS owner_created_at,
       t.name AS team_name,
       (SELECT COALESCE(SUM(p2.downloads_count), 0) FROM packages p2 WHERE p2.name = p.name) AS total_downloads
FROM packages p
JOIN users u ON u.id = p.owner_id
LEFT JOIN teams t ON t.id = p.team_id
%s
ORDER BY p.name, p.published_at DESC`, where)

	query := fmt.Sprintf(`
SELECT * FROM (%s) latest
ORDER BY published_at DESC
LIMIT $%d OFFSET $%d`, latest, len(args)+1, len(args)+2)

	rows, err := e.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	packages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Package, error) {
		return scanDetailedPackage(row)
	})
	if err != nil {
		return nil, 0, err
	}

	countQuery := fmt.Sprintf(`
SELECT COUNT(DISTINCT p.name)
FROM packages p
JOIN users u ON u.id = p.owner_id
LEFT JOIN teams t ON t.id = p.team_id
%s`, where)

	var total int64
	if err = e.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return packages, total, nil
}

func buildPackageFilter(filter *PackageFilter) (string, []any) {
	var clauses []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		n := arg(pattern)
		clauses = append(clauses, fmt.Sprintf("(p.name ILIKE %s OR p.description ILIKE %s)", n, n))
	}
	if filter.Owner != "" {
		clauses = append(clauses, fmt.Sprintf("u.username = %s", arg(filter.Owner)))
	}
	if filter.Team != "" {
		clauses = append(clauses, fmt.Sprintf("t.name = %s", arg(filter.Team)))
	}
	if len(filter.Tags) > 0 {
		lowered := make([]string, 0, len(filter.Tags))
		for _, tag := range filter.Tags {
			lowered = append(lowered, strings.ToLower(tag))
		}
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM package_tags pt WHERE pt.package_id = p.id AND pt.tag = ANY(%s))",
			arg(lowered),
		))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (p *pgxPackageRepository) Versions(ctx context.Context, name string) ([]*PackageVersion, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("id", "version", "description", "downloads_count", "published_at"),
		sm.From("packages"),
		sm.Where(psql.Quote("name").EQ(psql.Arg(name))),
		sm.OrderBy("published_at").Desc(),
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

	versions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*PackageVersion, error) {
		v := &PackageVersion{}
		if err = row.Scan(&v.ID, &v.Version, &v.Description, &v.DownloadsCount, &v.PublishedAt); err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// AttachArtifact updates the file-metadata columns of a version, scoped to
// its direct owner. Every other column of a published version is immutable.
func (p *pgxPackageRepository) AttachArtifact(ctx context.Context, name, version, ownerID string, patch *ArtifactPatch) (*Package, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Update(
		um.Table("packages"),
		um.SetCol("file_size").ToArg(patch.FileSize),
		um.SetCol("checksum_sha256").ToArg(patch.ChecksumSha256),
		um.SetCol("file_path").ToArg(patch.FilePath),
		um.SetCol("download_url").ToArg(patch.DownloadURL),
		um.SetCol("updated_at").To(psql.Raw("now()")),
		um.Where(psql.Quote("name").EQ(psql.Arg(name))),
		um.Where(psql.Quote("version").EQ(psql.Arg(version))),
		um.Where(psql.Quote("owner_id").EQ(psql.Arg(ownerID))),
		um.Returning(
			"id", "name", "version", "description", "owner_id", "team_id",
			"file_size", "checksum_sha256", "file_path", "download_url",
			"downloads_count", "published_at", "updated_at",
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	pkg := &Package{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&pkg.ID, &pkg.Name, &pkg.Version, &pkg.Description, &pkg.OwnerID, &pkg.TeamID,
		&pkg.FileSize, &pkg.ChecksumSha256, &pkg.FilePath, &pkg.DownloadURL,
		&pkg.DownloadsCount, &pkg.PublishedAt, &pkg.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pkg, nil
}

func (p *pgxPackageRepository) Delete(ctx context.Context, name, version string) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Delete(
		dm.From("packages"),
		dm.Where(psql.Quote("name").EQ(psql.Arg(name))),
		dm.Where(psql.Quote("version").EQ(psql.Arg(version))),
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

// IncrementDownloads bumps the running counter with a single atomic update,
// never a read-then-write.
func (p *pgxPackageRepository) IncrementDownloads(ctx context.Context, name, version string) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	tag, err := e.Exec(ctx,
		`UPDATE packages SET downloads_count = downloads_count + 1 WHERE name = $1 AND version = $2`,
		name, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgxPackageRepository) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	stats := &GlobalStats{}
	err := e.QueryRow(ctx,
		`SELECT COUNT(DISTINCT name), COALESCE(SUM(downloads_count), 0) FROM packages`,
	).Scan(&stats.TotalPackages, &stats.TotalDownloads)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func scanDetailedPackage(row pgx.Row) (*Package, error) {
	pkg := &Package{}
	if err := row.Scan(
		&pkg.ID, &pkg.Name, &pkg.Version, &pkg.Description, &pkg.OwnerID, &pkg.TeamID,
		&pkg.FileSize, &pkg.ChecksumSha256, &pkg.FilePath, &pkg.DownloadURL,
		&pkg.DownloadsCount, &pkg.PublishedAt, &pkg.UpdatedAt,
		&pkg.OwnerUsername, &pkg.OwnerEmail, &pkg.OwnerCreatedAt,
		&pkg.TeamName,
		&pkg.TotalDownloads,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pkg, nil
}
