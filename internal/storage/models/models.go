package models

import "time"

// Source is a declared external document source for one owner.
type Source struct {
	ID            string
	OwnerID       string
	Ref           string
	Type          string
	Status        string
	LastChecksum  string
	LastError     string
	CreatedAt     time.Time
	LastFetchedAt *time.Time
}

const (
	SourceStatusActive = "active"
	SourceStatusFailed = "failed"
)

// RawDocument is an immutable fetch result. A newer fetch of the same source
// supersedes it; rows are never edited.
type RawDocument struct {
	ID          string
	SourceID    string
	OwnerID     string
	FetchedAt   time.Time
	ContentType string
	Content     []byte
	Checksum    string
}

// NormalizedFact is one provenance-tagged claim about an owner. Several facts
// may target the same field; the synthesizer resolves conflicts, normalization
// never does.
type NormalizedFact struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	FieldName  string    `json:"field_name"`
	Value      string    `json:"value"`
	Provenance string    `json:"provenance"`
	SourceType string    `json:"source_type"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
	RawDocID   string    `json:"raw_doc_id,omitempty"`
}

// ProvenanceUserDeclared marks facts injected through edit_fact. They carry
// confidence 1.0 and outrank everything else in conflict resolution.
const ProvenanceUserDeclared = "user-declared"

// ProfileSnapshot is one committed version of an owner's profile. Snapshots are
// append-only; exactly one version per owner is current at any time.
type ProfileSnapshot struct {
	OwnerID           string                    `json:"owner_id"`
	Version           int64                     `json:"version"`
	Narrative         string                    `json:"narrative"`
	NarrativeDegraded bool                      `json:"narrative_degraded"`
	StructuredFacts   map[string]NormalizedFact `json:"structured_facts"`
	AuditTrail        []NormalizedFact          `json:"audit_trail,omitempty"`
	ContentHash       string                    `json:"content_hash"`
	CreatedAt         time.Time                 `json:"created_at"`
}

type QueryRecord struct {
	ID            string    `json:"id"`
	CallerID      string    `json:"caller_id,omitempty"`
	QueryText     string    `json:"query_text"`
	Answer        string    `json:"answer,omitempty"`
	Unsynthesized bool      `json:"unsynthesized"`
	ResultCount   int       `json:"result_count"`
	CacheHit      bool      `json:"cache_hit,omitempty"`
	LatencyMS     int       `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

type QueryCitation struct {
	ID              int
	QueryID         string
	OwnerID         string
	SnapshotVersion int64
	ChunkID         string
	Score           float64
}

type Feedback struct {
	ID        int
	QueryID   string
	Helpful   bool
	Comment   string
	CreatedAt time.Time
}
