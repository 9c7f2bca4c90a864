package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/packfold/registry/internal/db"
	"github.com/packfold/registry/internal/model"
	"github.com/packfold/registry/internal/repository"
	"github.com/packfold/registry/internal/storage"
	"github.com/packfold/registry/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxUserAgentLen  = 500
	maxStatsDays     = 90
)

type PublishInput struct {
	Name        string
	Version     string
	Description string
	TeamName    string
	Tags        []string
}

type PackageService struct {
	tx db.Transactor

	packages  repository.PackageRepository
	teams     repository.TeamRepository
	users     repository.UserRepository
	downloads repository.DownloadRepository

	validator *storage.Validator
	store     *storage.Store
	baseURL   string
}

func NewPackageService(tx db.Transactor) *PackageService {
	return &PackageService{tx: tx}
}

// Publish creates a package version inside one transaction: team permission
// check, advisory uniqueness check, then the insert whose unique index is
// the authoritative conflict signal under concurrent publishes.
func (p *PackageService) Publish(ctx context.Context, in *PublishInput, ownerID string) (*model.Package, *Error) {
	l := logger.FromContext(ctx)
	l.Info("publishing package",
		zap.String("name", in.Name),
		zap.String("version", in.Version),
		zap.String("owner_id", ownerID))

	pkg := &repository.Package{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Version:     in.Version,
		Description: in.Description,
		OwnerID:     ownerID,
	}

	err := p.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		if in.TeamName != "" {
			team, err := p.teams.GetByName(txCtx, in.TeamName)
			if errors.Is(err, repository.ErrNotFound) {
				return NewError(ErrorCodeNotFound, "team not found")
			}
			if err != nil {
				return err
			}

			member, err := p.teams.GetMember(txCtx, team.ID, ownerID)
			if errors.Is(err, repository.ErrNotFound) || (err == nil && !member.Role.CanPublish()) {
				return NewError(ErrorCodeAuthorization, "insufficient permissions to publish to this team")
			}
			if err != nil {
				return err
			}
			pkg.TeamID = &team.ID
		}

		exists, err := p.packages.Exists(txCtx, in.Name, in.Version)
		if err != nil {
			return err
		}
		if exists {
			return NewError(ErrorCodeConflict, "package version already exists")
		}

		if err = p.packages.Create(txCtx, pkg); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				// A concurrent publish won the race; the unique index is
				// the real serialization point, not the pre-check above.
				return NewError(ErrorCodeConflict, "package version already exists")
			}
			return err
		}

		return p.packages.AddTags(txCtx, pkg.ID, in.Tags)
	})

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return nil, svcErr
	}
	if err != nil {
		l.Error("failed to publish package",
			zap.String("name", in.Name),
			zap.String("version", in.Version),
			zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to publish package")
	}

	return p.Get(ctx, in.Name, in.Version)
}

// AttachArtifact validates and stores the uploaded archive, then attaches
// its metadata to the already-published version. The catalog row is touched
// strictly after the artifact is fully written and checksummed, so an
// aborted upload never leaves a row pointing at a partial file.
func (p *PackageService) AttachArtifact(ctx context.Context, name, version, callerID string, buf []byte, fileName, mimeType string) (*model.Package, *Error) {
	l := logger.FromContext(ctx)

	pkg, err := p.packages.Get(ctx, name, version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to upload package file")
	}
	if pkg.OwnerID != callerID {
		return nil, NewError(ErrorCodeAuthorization, "only the package owner can upload its file")
	}

	if err = p.validator.Validate(buf, fileName, mimeType); err != nil {
		var vErr *storage.ValidationError
		if errors.As(err, &vErr) {
			return nil, NewError(ErrorCodeValidation, vErr.Reason)
		}
		return nil, NewError(ErrorCodeUnspecified, "failed to validate file")
	}

	artifact, err := p.store.Save(buf)
	if err != nil {
		l.Error("failed to store artifact",
			zap.String("name", name),
			zap.String("version", version),
			zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to store file")
	}

	updated, err := p.packages.AttachArtifact(ctx, name, version, callerID, &repository.ArtifactPatch{
		FileSize:       artifact.Size,
		ChecksumSha256: artifact.Checksum,
		FilePath:       artifact.Path,
		DownloadURL:    fmt.Sprintf("%s/uploads/%s", p.baseURL, artifact.FileName),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to upload package file")
	}

	l.Info("artifact attached",
		zap.String("name", name),
		zap.String("version", version),
		zap.String("checksum", artifact.Checksum),
		zap.Int64("size", artifact.Size))

	return p.packageModel(ctx, updated)
}

// List returns the latest version per package name matching the filter.
func (p *PackageService) List(ctx context.Context, filter *repository.PackageFilter) (*model.PackageList, *Error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	rows, total, err := p.packages.List(ctx, filter)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list packages", zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to list packages")
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	tags, err := p.packages.GetTags(ctx, ids)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to list packages")
	}

	packages := make([]*model.Package, 0, len(rows))
	for _, row := range rows {
		packages = append(packages, packageToModel(row, tags[row.ID]))
	}

	return &model.PackageList{
		Packages: packages,
		Pagination: &model.Pagination{
			Total:   total,
			Limit:   filter.Limit,
			Offset:  filter.Offset,
			HasMore: int64(filter.Offset+filter.Limit) < total,
		},
	}, nil
}

func (p *PackageService) GetVersions(ctx context.Context, name string) ([]*model.PackageVersion, *Error) {
	versions, err := p.packages.Versions(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get package versions")
	}

	result := make([]*model.PackageVersion, 0, len(versions))
	for _, v := range versions {
		result = append(result, &model.PackageVersion{
			ID:             v.ID,
			Version:        v.Version,
			Description:    v.Description,
			DownloadsCount: v.DownloadsCount,
			PublishedAt:    v.PublishedAt,
		})
	}
	return result, nil
}

func (p *PackageService) Get(ctx context.Context, name, version string) (*model.Package, *Error) {
	pkg, err := p.packages.Get(ctx, name, version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get package")
	}
	return p.packageModel(ctx, pkg)
}

// Delete removes a version if the caller is its direct owner or holds an
// owner/admin membership on the package's team. The artifact file is removed
// only when no other version still references the same content.
func (p *PackageService) Delete(ctx context.Context, name, version, callerID string) *Error {
	l := logger.FromContext(ctx)

	pkg, err := p.packages.Get(ctx, name, version)
	if errors.Is(err, repository.ErrNotFound) {
		return NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return NewError(ErrorCodeUnspecified, "failed to delete package")
	}

	if svcErr := p.requireDeleteRights(ctx, pkg, callerID); svcErr != nil {
		return svcErr
	}

	if err = p.packages.Delete(ctx, name, version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return NewError(ErrorCodeNotFound, "package not found")
		}
		l.Error("failed to delete package",
			zap.String("name", name),
			zap.String("version", version),
			zap.Error(err))
		return NewError(ErrorCodeUnspecified, "failed to delete package")
	}

	// Content-addressed storage is shared; only reap the file once the last
	// version referencing this checksum is gone.
	if pkg.ChecksumSha256 != "" && pkg.FilePath != "" {
		if _, err = p.packages.GetByChecksum(ctx, pkg.ChecksumSha256); errors.Is(err, repository.ErrNotFound) {
			if err = p.store.Delete(pkg.FilePath); err != nil {
				l.Warn("failed to remove orphaned artifact",
					zap.String("path", pkg.FilePath),
					zap.Error(err))
			}
		}
	}

	return nil
}

// Download resolves the artifact URL for a version and records analytics.
// Analytics failures are logged, never surfaced: a download must not fail
// because an event row could not be written.
func (p *PackageService) Download(ctx context.Context, name, version, clientIP, userAgent string) (string, *Error) {
	l := logger.FromContext(ctx)

	pkg, err := p.packages.Get(ctx, name, version)
	if errors.Is(err, repository.ErrNotFound) {
		return "", NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return "", NewError(ErrorCodeUnspecified, "failed to download package")
	}

	if pkg.DownloadURL == "" {
		return "", NewError(ErrorCodeNotFound, "package file not available; the package may not have been uploaded yet")
	}

	if svcErr := p.RecordDownload(ctx, name, version, clientIP, userAgent); svcErr != nil {
		l.Warn("failed to record download",
			zap.String("name", name),
			zap.String("version", version),
			zap.String("error", svcErr.Message))
	}

	return pkg.DownloadURL, nil
}

// RecordDownload increments the running counter and appends the analytics
// event in one transaction; the counter and the event log never diverge.
func (p *PackageService) RecordDownload(ctx context.Context, name, version, clientIP, userAgent string) *Error {
	pkg, err := p.packages.Get(ctx, name, version)
	if errors.Is(err, repository.ErrNotFound) {
		return NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return NewError(ErrorCodeUnspecified, "failed to record download")
	}

	download := &repository.Download{
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		Version:     pkg.Version,
		IPHash:      hashClientIP(clientIP),
		UserAgent:   truncateUserAgent(userAgent),
	}

	err = p.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		if err := p.packages.IncrementDownloads(txCtx, name, version); err != nil {
			return err
		}
		return p.downloads.Insert(txCtx, download)
	})
	if err != nil {
		return NewError(ErrorCodeUnspecified, "failed to record download")
	}
	return nil
}

// Stats returns a complete trailing series of daily download counts: exactly
// days entries, oldest first, zero-filled for days without events.
func (p *PackageService) Stats(ctx context.Context, name, version string, days int) (*model.DownloadStats, *Error) {
	if days < 1 || days > maxStatsDays {
		return nil, NewError(ErrorCodeValidation, "days must be between 1 and 90")
	}

	if _, err := p.packages.Get(ctx, name, version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(ErrorCodeNotFound, "package not found")
		}
		return nil, NewError(ErrorCodeUnspecified, "failed to get download statistics")
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	counts, err := p.downloads.CountByDay(ctx, name, version, since)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get download statistics")
	}

	byDay := make(map[string]int64, len(counts))
	for _, c := range counts {
		byDay[c.Day.UTC().Format("2006-01-02")] = c.Count
	}

	var total int64
	daily := make([]*model.DailyDownloads, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format("2006-01-02")
		count := byDay[day]
		total += count
		daily = append(daily, &model.DailyDownloads{Date: day, Downloads: count})
	}

	return &model.DownloadStats{
		PackageName:    name,
		Version:        version,
		TotalDays:      days,
		DailyStats:     daily,
		TotalDownloads: total,
	}, nil
}

func (p *PackageService) GlobalStats(ctx context.Context) (*model.GlobalStats, *Error) {
	stats, err := p.packages.GlobalStats(ctx)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get registry statistics")
	}
	users, err := p.users.Count(ctx)
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get registry statistics")
	}
	return &model.GlobalStats{
		TotalPackages:  stats.TotalPackages,
		TotalDownloads: stats.TotalDownloads,
		TotalUsers:     users,
	}, nil
}

// GetByChecksum resolves the package version referencing a stored artifact,
// used by the artifact serving route to attribute analytics.
func (p *PackageService) GetByChecksum(ctx context.Context, checksum string) (*model.Package, *Error) {
	pkg, err := p.packages.GetByChecksum(ctx, checksum)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NewError(ErrorCodeNotFound, "package not found")
	}
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to get package")
	}
	return p.packageModel(ctx, pkg)
}

func (p *PackageService) requireDeleteRights(ctx context.Context, pkg *repository.Package, callerID string) *Error {
	if pkg.OwnerID == callerID {
		return nil
	}
	if pkg.TeamID != nil {
		member, err := p.teams.GetMember(ctx, *pkg.TeamID, callerID)
		if err == nil && member.Role.CanPublish() {
			return nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return NewError(ErrorCodeUnspecified, "failed to check package permissions")
		}
	}
	return NewError(ErrorCodeAuthorization, "insufficient permissions to delete this package")
}

func (p *PackageService) packageModel(ctx context.Context, pkg *repository.Package) (*model.Package, *Error) {
	tags, err := p.packages.GetTags(ctx, []string{pkg.ID})
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "failed to load package tags")
	}
	return packageToModel(pkg, tags[pkg.ID]), nil
}

func packageToModel(pkg *repository.Package, tags []string) *model.Package {
	m := &model.Package{
		ID:                  pkg.ID,
		Name:                pkg.Name,
		Version:             pkg.Version,
		Description:         pkg.Description,
		OwnerID:             pkg.OwnerID,
		Tags:                tags,
		FileSize:            pkg.FileSize,
		ChecksumSha256:      pkg.ChecksumSha256,
		FilePath:            pkg.FilePath,
		DownloadURL:         pkg.DownloadURL,
		DownloadsCount:      pkg.DownloadsCount,
		TotalDownloadsCount: pkg.TotalDownloads,
		PublishedAt:         pkg.PublishedAt,
		UpdatedAt:           pkg.UpdatedAt,
	}
	if pkg.OwnerUsername != "" {
		m.Owner = &model.User{
			ID:        pkg.OwnerID,
			Username:  pkg.OwnerUsername,
			Email:     pkg.OwnerEmail,
			CreatedAt: pkg.OwnerCreatedAt,
		}
	}
	if pkg.TeamID != nil {
		m.TeamID = *pkg.TeamID
	}
	if pkg.TeamName != nil {
		m.TeamName = *pkg.TeamName
	}
	return m
}

func hashClientIP(ip string) *string {
	if ip == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(ip))
	h := hex.EncodeToString(sum[:])
	return &h
}

func truncateUserAgent(ua string) *string {
	if ua == "" {
		return nil
	}
	if len(ua) > maxUserAgentLen {
		cut := maxUserAgentLen
		// Back up so the cut never splits a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(ua[cut]) {
			cut--
		}
		ua = ua[:cut]
	}
	return &ua
}

func (p *PackageService) WithPackageRepo(r repository.PackageRepository) *PackageService {
	p.packages = r
	return p
}

func (p *PackageService) WithTeamRepo(r repository.TeamRepository) *PackageService {
	p.teams = r
	return p
}

func (p *PackageService) WithUserRepo(r repository.UserRepository) *PackageService {
	p.users = r
	return p
}

func (p *PackageService) WithDownloadRepo(r repository.DownloadRepository) *PackageService {
	p.downloads = r
	return p
}

func (p *PackageService) WithStorage(v *storage.Validator, s *storage.Store) *PackageService {
	p.validator = v
	p.store = s
	return p
}

func (p *PackageService) WithBaseURL(u string) *PackageService {
	p.baseURL = u
	return p
}
