package domain

// Job statuses.
const (
	JobHeld         = "held"
	JobPending      = "pending"
	JobRunning      = "running"
	JobCompleted    = "completed"
	JobFailed       = "failed"
	JobDeadLettered = "dead_lettered"
)

// Job kinds.
const (
	JobFileAnalysis        = "file-analysis"
	JobDirectoryResolution = "directory-resolution"
	JobGlobalResolution    = "global-resolution"
	JobFindingValidation   = "finding-validation"
	JobReconciliation      = "relationship-reconciliation"
)

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunAborted   = "aborted"
)

// Manifest entry states.
const (
	ManifestOpen       = "open"
	ManifestSealed     = "sealed"
	ManifestReconciled = "reconciled"
)

// Outbox event statuses.
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
)

type Run struct {
	ID        string  `json:"id"`
	Root      string  `json:"root"`
	Status    string  `json:"status" enum:"pending,running,completed,failed,aborted"`
	Threshold float64 `json:"threshold"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Job struct {
	ID             string   `json:"id"`
	RunID          string   `json:"run_id"`
	Kind           string   `json:"kind"`
	Path           string   `json:"path,omitempty"`
	PayloadJSON    *string  `json:"payload_json,omitempty"`
	Status         string   `json:"status" enum:"held,pending,running,completed,failed,dead_lettered"`
	Attempts       int      `json:"attempts"`
	MaxAttempts    int      `json:"max_attempts"`
	NotBefore      *string  `json:"not_before,omitempty" format:"date-time"`
	LeaseOwner     *string  `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string  `json:"lease_expires_at,omitempty" format:"date-time"`
	Error          *string  `json:"error,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// Finding is one producer's assertion about a candidate relationship.
// Immutable once written.
type Finding struct {
	ID                int64     `json:"id"`
	RunID             string    `json:"run_id"`
	RelationshipID    string    `json:"relationship_id"`
	ProducerID        string    `json:"producer_id"`
	SourceEntityID    string    `json:"source_entity_id"`
	TargetEntityID    string    `json:"target_entity_id"`
	RelationshipType  string    `json:"relationship_type"`
	SupportsExistence bool      `json:"supports_existence"`
	InitialScore      float64   `json:"initial_score"`
	Boosts            []float64 `json:"boosts,omitempty"`
	Penalties         []float64 `json:"penalties,omitempty"`
	RawEvidence       string    `json:"raw_evidence,omitempty"`
	CreatedAt         string    `json:"created_at" format:"date-time"`
}

type ManifestEntry struct {
	RunID             string   `json:"run_id"`
	RelationshipID    string   `json:"relationship_id"`
	State             string   `json:"state" enum:"open,sealed,reconciled"`
	ExpectedProducers []string `json:"expected_producers"`
	ReceivedProducers []string `json:"received_producers"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type OutboxEvent struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	EventName   string  `json:"event_name"`
	PayloadJSON string  `json:"payload_json"`
	Status      string  `json:"status" enum:"pending,published"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
}

// Relationship is a validated, confidence-scored relationship, written by the
// reconciler and consumed by the graph builder.
type Relationship struct {
	RunID           string  `json:"run_id"`
	RelationshipID  string  `json:"relationship_id"`
	SourceEntityID  string  `json:"source_entity_id"`
	TargetEntityID  string  `json:"target_entity_id"`
	Type            string  `json:"type"`
	Confidence      float64 `json:"confidence"`
	EvidenceSummary string  `json:"evidence_summary,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type GraphNode struct {
	EntityID   string            `json:"entity_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

type GraphEdge struct {
	SourceEntityID string            `json:"source_entity_id"`
	TargetEntityID string            `json:"target_entity_id"`
	Type           string            `json:"type"`
	Properties     map[string]string `json:"properties,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
