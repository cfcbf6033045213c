package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the queue a job belongs to and the handler that executes it.
// Each kind is an independent ordering domain.
type Kind string

const (
	KindExtraction  Kind = "extraction"
	KindStorageSync Kind = "storage-sync"
	KindSearchIndex Kind = "search-indexing"
)

func AllKinds() []Kind {
	return []Kind{KindExtraction, KindStorageSync, KindSearchIndex}
}

func (k Kind) Valid() bool {
	switch k {
	case KindExtraction, KindStorageSync, KindSearchIndex:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority bounds accepted at enqueue. Scores in the queue store compose
// priority with a global sequence counter inside float64 integer precision,
// which holds as long as priorities stay inside this band.
const (
	MinPriority = -4096
	MaxPriority = 4096
)

type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`

	// RecordID links the job to its row in the system of record. Empty for
	// jobs that only live in the queue store; terminal status is persisted
	// durably only when set.
	RecordID string `json:"record_id,omitempty"`
}

// New builds a pending envelope for the given kind. The payload is marshalled
// once here; handlers decode it back with DecodePayload.
func New(kind Kind, payload interface{}, priority int) (*Envelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("priority %d outside [%d, %d]", priority, MinPriority, MaxPriority)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   raw,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type ExtractionPayload struct {
	FileID string `json:"file_id"`
	OrgID  string `json:"org_id"`
	Method string `json:"method,omitempty"`
}

type StorageSyncPayload struct {
	FileID string `json:"file_id"`
	OrgID  string `json:"org_id"`
}

// IndexAction selects what the search-indexing handler does with a document.
type IndexAction string

const (
	IndexUpsert IndexAction = "upsert"
	IndexDelete IndexAction = "delete"
)

type SearchIndexPayload struct {
	Action IndexAction `json:"action"`
	FileID string      `json:"file_id"`
	OrgID  string      `json:"org_id"`
}

// DecodePayload unmarshals an envelope's payload into the schema for its
// kind. One schema per kind; there is no property sniffing anywhere else.
func DecodePayload(env *Envelope) (interface{}, error) {
	switch env.Kind {
	case KindExtraction:
		var p ExtractionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return p, nil
	case KindStorageSync:
		var p StorageSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return p, nil
	case KindSearchIndex:
		var p SearchIndexPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		if p.Action == "" {
			p.Action = IndexUpsert
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown job kind: %s", env.Kind)
}
