package model

import "time"

type Package struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	OwnerID     string   `json:"ownerId"`
	Owner       *User    `json:"owner,omitempty"`
	TeamID      string   `json:"teamId,omitempty"`
	TeamName    string   `json:"teamName,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	FileSize       int64  `json:"fileSize"`
	ChecksumSha256 string `json:"checksumSha256,omitempty"`
	FilePath       string `json:"-"`
	DownloadURL    string `json:"downloadUrl,omitempty"`

	DownloadsCount int64 `json:"downloadsCount"`
	// TotalDownloadsCount sums downloads across every version of the name.
	TotalDownloadsCount int64 `json:"totalDownloadsCount"`

	PublishedAt time.Time `json:"publishedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PackageVersion is the trimmed per-version view returned by version listings.
type PackageVersion struct {
	ID             string    `json:"id"`
	Version        string    `json:"version"`
	Description    string    `json:"description,omitempty"`
	DownloadsCount int64     `json:"downloadsCount"`
	PublishedAt    time.Time `json:"publishedAt"`
}

type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

type PackageList struct {
	Packages   []*Package  `json:"packages"`
	Pagination *Pagination `json:"pagination"`
}

type DailyDownloads struct {
	Date      string `json:"date"`
	Downloads int64  `json:"downloads"`
}

type DownloadStats struct {
	PackageName    string            `json:"packageName"`
	Version        string            `json:"version"`
	TotalDays      int               `json:"totalDays"`
	DailyStats     []*DailyDownloads `json:"dailyStats"`
	TotalDownloads int64             `json:"totalDownloads"`
}

// GlobalStats is the registry-wide counters exposed on the public stats route.
type GlobalStats struct {
	TotalPackages  int64 `json:"totalPackages"`
	TotalDownloads int64 `json:"totalDownloads"`
	TotalUsers     int64 `json:"totalUsers"`
}
