// Package state holds the authoritative coordinator state machine: the
// deterministic apply target for committed log entries.
package state

// ContentStatus tracks a document through the indexing pipeline.
type ContentStatus string

const (
	ContentPending ContentStatus = "pending"
	ContentIndexed ContentStatus = "indexed"
	ContentFailed  ContentStatus = "failed"
)

// TaskStatus tracks an ingestion task.
type TaskStatus string

const (
	TaskUnassigned TaskStatus = "unassigned"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Namespace scopes content, indexes and tasks.
type Namespace struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// ContentMetadata is the coordinator's record of one ingested document.
// Blob storage and the vector index hold derived data keyed by the
// identifiers minted here.
type ContentMetadata struct {
	ID         string            `json:"id"`
	Namespace  string            `json:"namespace"`
	FileName   string            `json:"file_name"`
	StorageURL string            `json:"storage_url"`
	Mime       string            `json:"mime"`
	Labels     map[string]string `json:"labels,omitempty"`
	Size       int64             `json:"size"`
	Hash       string            `json:"hash"`
	CreatedAt  int64             `json:"created_at"`
	Status     ContentStatus     `json:"status"`
}

// IndexConfig describes one vector index and the backend it was created on.
// Switching backends requires a full reindex; there is no live migration.
type IndexConfig struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Backend   string `json:"backend"` // embedded | remote
	Dim       int    `json:"dim"`
	Distance  string `json:"distance"`

	// HNSW parameters for the embedded backend.
	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
	EfSearch       int `json:"ef_search,omitempty"`

	// Remote backend address.
	Addr string `json:"addr,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// Task is one unit of extraction/embedding work handed to an executor.
type Task struct {
	ID         string     `json:"id"`
	Namespace  string     `json:"namespace"`
	ContentID  string     `json:"content_id"`
	IndexName  string     `json:"index_name"`
	Status     TaskStatus `json:"status"`
	ExecutorID string     `json:"executor_id,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// Executor is a registered worker eligible for task assignment.
type Executor struct {
	ID            string            `json:"id"`
	Addr          string            `json:"addr"`
	Labels        map[string]string `json:"labels,omitempty"`
	LastHeartbeat int64             `json:"last_heartbeat"`
}
