package store

import (
	"encoding/json"
	"time"
)

// Tier is a contributor subscription tier.
type Tier string

const (
	TierFree      Tier = "free"
	TierProtected Tier = "protected"
	TierPremium   Tier = "premium"
)

// Contributor is a consenting individual. Owned by the web application; the
// scanner only reads these rows.
type Contributor struct {
	ID                 int64
	Tier               Tier
	OptedOut           bool
	Suspended          bool
	OnboardingComplete bool
}

// EmbeddingStatus tracks the lifecycle of a reference image.
type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingProcessed EmbeddingStatus = "processed"
	EmbeddingFailed    EmbeddingStatus = "failed"
	EmbeddingSkipped   EmbeddingStatus = "skipped"
)

// ContributorImage is an onboarding reference photo.
type ContributorImage struct {
	ID            int64
	ContributorID int64
	Bucket        string
	Path          string
	Status        EmbeddingStatus
	CaptureStep   string
	ErrorReason   string
}

// EmbeddingKind distinguishes single-photo embeddings from the centroid.
type EmbeddingKind string

const (
	KindSingle   EmbeddingKind = "single"
	KindCentroid EmbeddingKind = "centroid"
)

// ContributorEmbedding is a stored 512-dim face vector for a contributor.
type ContributorEmbedding struct {
	ID            int64
	ContributorID int64
	SourceImageID *int64
	Vector        []float32
	Score         float64
	IsPrimary     bool
	Kind          EmbeddingKind
	CentroidMeta  json.RawMessage
}

// RegistryIdentity is a lighter-weight claimant with a single selfie.
type RegistryIdentity struct {
	ID        int64
	Status    string // unclaimed, claimed, verified
	Embedding []float32
}

// DiscoveredImage is one row per unique source URL found by any source.
// FacesDetected is tri-valued: nil = not yet probed, false = probed with no
// faces (or unprobeable), true = probed with FaceCount faces.
type DiscoveredImage struct {
	ID            int64
	SourceURL     string
	PageURL       string
	PageTitle     string
	Platform      string
	Phash         *uint64
	Width         *int
	Height        *int
	FacesDetected *bool
	FaceCount     *int
	ThumbnailKey  *string
	DiscoveredAt  time.Time
}

// FaceEmbedding is one detected face in a discovered image. MatchedAt is nil
// until the matching engine has scanned it against the full registry.
type FaceEmbedding struct {
	ID        int64
	ImageID   int64
	FaceIndex int
	Vector    []float32
	Score     float64
	MatchedAt *time.Time
}

// ConfidenceTier buckets a match by similarity.
type ConfidenceTier string

const (
	TierLow    ConfidenceTier = "low"
	TierMedium ConfidenceTier = "medium"
	TierHigh   ConfidenceTier = "high"
)

// Match pairs a discovered-face embedding with a contributor.
type Match struct {
	ID             int64
	ImageID        int64
	ContributorID  int64
	EmbeddingID    int64 // best contributor-embedding hit
	FaceIndex      int
	Similarity     float64
	Tier           ConfidenceTier
	SourceAccount  string
	IsKnownAccount bool
	KnownAccountID *int64
	AIGenerated    *bool
	AIScore        *float64
	AIGenerator    *string
	ReviewStatus   string
	CreatedAt      time.Time
}

// RegistryMatch pairs a discovered face with a registry identity.
type RegistryMatch struct {
	ID         int64
	IdentityID int64
	ImageID    int64
	FaceIndex  int
	Similarity float64
	Tier       ConfidenceTier
}

// Evidence is a content-addressed screenshot attached to a match.
type Evidence struct {
	ID         int64
	MatchID    int64
	Type       string
	StorageURL string
	SHA256     string
	ByteSize   int64
}

// KnownAccount is a per-contributor allowlist entry.
type KnownAccount struct {
	ID            int64
	ContributorID int64
	Platform      string
	Handle        string
	Domain        string
}

// Notification is a to-deliver user-facing record.
type Notification struct {
	ID            int64
	ContributorID int64
	Title         string
	Body          string
	Payload       json.RawMessage
	Read          bool
	Sent          bool
	CreatedAt     time.Time
}

// CrawlPhase is the coarse state a platform's pipeline is in.
type CrawlPhase string

const (
	PhaseCrawling  CrawlPhase = "crawling"
	PhaseDetecting CrawlPhase = "detecting"
	PhaseMatching  CrawlPhase = "matching"
	PhaseIdle      CrawlPhase = "idle"
)

// CrawlState is the persisted per-platform crawl schedule and cursor blob.
type CrawlState struct {
	Platform        string
	Enabled         bool
	NextCrawlAt     time.Time
	LastCrawlAt     *time.Time
	Interval        time.Duration
	Cursor          json.RawMessage
	TagsTotal       int
	TagsExhausted   int
	TotalDiscovered int64
	Phase           CrawlPhase
}

// ScanSchedule drives per-contributor reverse-image scans.
type ScanSchedule struct {
	ContributorID int64
	NextScanAt    time.Time
	Interval      time.Duration
	Priority      int
}

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobInterrupted JobStatus = "interrupted"
)

// StaleJobError marks jobs reclassified by the startup reaper.
const StaleJobError = "stale_job_recovered"

// ScanJob is a single run of a contributor scan or platform crawl.
type ScanJob struct {
	ID           int64
	ScanType     string // "contributor" or "platform"
	SourceName   string // contributor ID or platform name
	Status       JobStatus
	Stage        string
	ImagesFound  int
	FacesFound   int
	MatchesFound int
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}
