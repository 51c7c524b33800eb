package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// dedupWindow bounds how many applied tokens are remembered. Retries of a
// timed-out proposal land well within the window.
const dedupWindow = 8192

// Machine is the applied CoordinatorState. It is mutated only through
// Apply with committed log entries, never directly by API handlers, so two
// nodes that applied the same prefix hold identical state.
type Machine struct {
	mu sync.RWMutex

	namespaces map[string]Namespace
	content    map[string]ContentMetadata // content id -> record
	indexes    map[string]IndexConfig     // namespace/name -> record
	tasks      map[string]Task
	executors  map[string]Executor

	appliedTokens map[string]struct{}
	tokenOrder    []string

	lastAppliedIndex uint64
}

// NewMachine returns an empty machine.
func NewMachine() *Machine {
	return &Machine{
		namespaces:    make(map[string]Namespace),
		content:       make(map[string]ContentMetadata),
		indexes:       make(map[string]IndexConfig),
		tasks:         make(map[string]Task),
		executors:     make(map[string]Executor),
		appliedTokens: make(map[string]struct{}),
	}
}

func indexKey(namespace, name string) string { return namespace + "/" + name }

// Apply applies one committed command. Implements raft.StateMachine.
func (m *Machine) Apply(index uint64, command []byte) ([]byte, error) {
	cmd, err := decodeCommand(command)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastAppliedIndex = index

	if cmd.Token == "" {
		return nil, fmt.Errorf("command %s at index %d has no dedup token", cmd.Op, index)
	}
	if _, seen := m.appliedTokens[cmd.Token]; seen {
		// Retry of an already-committed command.
		return json.Marshal(map[string]bool{"duplicate": true})
	}
	m.rememberTokenLocked(cmd.Token)

	switch cmd.Op {
	case OpCreateNamespace:
		return m.applyCreateNamespace(cmd)
	case OpPutContent:
		return m.applyPutContent(cmd)
	case OpUpdateContent:
		return m.applyUpdateContent(cmd)
	case OpCreateIndex:
		return m.applyCreateIndex(cmd)
	case OpCreateTask:
		return m.applyCreateTask(cmd)
	case OpAssignTask:
		return m.applyAssignTask(cmd)
	case OpUpdateTask:
		return m.applyUpdateTask(cmd)
	case OpRegisterExecutor:
		return m.applyRegisterExecutor(cmd)
	case OpHeartbeatExecutor:
		return m.applyHeartbeatExecutor(cmd)
	case OpDeregisterExecutor:
		return m.applyDeregisterExecutor(cmd)
	default:
		return nil, fmt.Errorf("unknown op %q at index %d", cmd.Op, index)
	}
}

func (m *Machine) rememberTokenLocked(token string) {
	m.appliedTokens[token] = struct{}{}
	m.tokenOrder = append(m.tokenOrder, token)
	if len(m.tokenOrder) > dedupWindow {
		evict := m.tokenOrder[0]
		m.tokenOrder = m.tokenOrder[1:]
		delete(m.appliedTokens, evict)
	}
}

func (m *Machine) applyCreateNamespace(cmd *Command) ([]byte, error) {
	if cmd.Namespace == nil || cmd.Namespace.Name == "" {
		return nil, fmt.Errorf("create_namespace: missing namespace")
	}
	if _, ok := m.namespaces[cmd.Namespace.Name]; ok {
		// Idempotent by name.
		return json.Marshal(map[string]bool{"existed": true})
	}
	ns := *cmd.Namespace
	ns.CreatedAt = cmd.Timestamp
	m.namespaces[ns.Name] = ns
	return json.Marshal(map[string]string{"name": ns.Name})
}

func (m *Machine) applyPutContent(cmd *Command) ([]byte, error) {
	if cmd.Content == nil || cmd.Content.ID == "" {
		return nil, fmt.Errorf("put_content: missing content")
	}
	if _, ok := m.namespaces[cmd.Content.Namespace]; !ok {
		return nil, fmt.Errorf("put_content: namespace %q: %w", cmd.Content.Namespace, errors.ErrNotFound)
	}
	c := *cmd.Content
	c.CreatedAt = cmd.Timestamp
	if c.Status == "" {
		c.Status = ContentPending
	}
	m.content[c.ID] = c
	return json.Marshal(map[string]string{"id": c.ID})
}

func (m *Machine) applyUpdateContent(cmd *Command) ([]byte, error) {
	c, ok := m.content[cmd.ID]
	if !ok {
		return nil, fmt.Errorf("update_content_status: content %q: %w", cmd.ID, errors.ErrNotFound)
	}
	c.Status = ContentStatus(cmd.Status)
	m.content[cmd.ID] = c
	return json.Marshal(map[string]string{"id": c.ID, "status": cmd.Status})
}

func (m *Machine) applyCreateIndex(cmd *Command) ([]byte, error) {
	if cmd.Index == nil || cmd.Index.Name == "" {
		return nil, fmt.Errorf("create_index: missing index")
	}
	if _, ok := m.namespaces[cmd.Index.Namespace]; !ok {
		return nil, fmt.Errorf("create_index: namespace %q: %w", cmd.Index.Namespace, errors.ErrNotFound)
	}
	key := indexKey(cmd.Index.Namespace, cmd.Index.Name)
	if _, ok := m.indexes[key]; ok {
		return json.Marshal(map[string]bool{"existed": true})
	}
	idx := *cmd.Index
	idx.CreatedAt = cmd.Timestamp
	m.indexes[key] = idx
	return json.Marshal(map[string]string{"name": idx.Name})
}

func (m *Machine) applyCreateTask(cmd *Command) ([]byte, error) {
	if cmd.Task == nil || cmd.Task.ID == "" {
		return nil, fmt.Errorf("create_task: missing task")
	}
	if _, ok := m.content[cmd.Task.ContentID]; !ok {
		return nil, fmt.Errorf("create_task: content %q: %w", cmd.Task.ContentID, errors.ErrNotFound)
	}
	t := *cmd.Task
	t.Status = TaskUnassigned
	t.CreatedAt = cmd.Timestamp
	t.UpdatedAt = cmd.Timestamp
	m.tasks[t.ID] = t
	return json.Marshal(map[string]string{"id": t.ID})
}

func (m *Machine) applyAssignTask(cmd *Command) ([]byte, error) {
	t, ok := m.tasks[cmd.ID]
	if !ok {
		return nil, fmt.Errorf("assign_task: task %q: %w", cmd.ID, errors.ErrNotFound)
	}
	if _, ok := m.executors[cmd.ExecutorID]; !ok {
		return nil, fmt.Errorf("assign_task: executor %q: %w", cmd.ExecutorID, errors.ErrNotFound)
	}
	t.ExecutorID = cmd.ExecutorID
	t.Status = TaskAssigned
	t.UpdatedAt = cmd.Timestamp
	m.tasks[cmd.ID] = t
	return json.Marshal(map[string]string{"id": t.ID, "executor_id": cmd.ExecutorID})
}

func (m *Machine) applyUpdateTask(cmd *Command) ([]byte, error) {
	t, ok := m.tasks[cmd.ID]
	if !ok {
		return nil, fmt.Errorf("update_task: task %q: %w", cmd.ID, errors.ErrNotFound)
	}
	t.Status = TaskStatus(cmd.Status)
	t.Outcome = cmd.Outcome
	t.UpdatedAt = cmd.Timestamp
	m.tasks[cmd.ID] = t

	// Terminal task states flow back into the content record.
	if c, ok := m.content[t.ContentID]; ok {
		switch t.Status {
		case TaskDone:
			c.Status = ContentIndexed
		case TaskFailed:
			c.Status = ContentFailed
		}
		m.content[t.ContentID] = c
	}
	return json.Marshal(map[string]string{"id": t.ID, "status": cmd.Status})
}

func (m *Machine) applyRegisterExecutor(cmd *Command) ([]byte, error) {
	if cmd.Executor == nil || cmd.Executor.ID == "" {
		return nil, fmt.Errorf("register_executor: missing executor")
	}
	e := *cmd.Executor
	e.LastHeartbeat = cmd.Timestamp
	m.executors[e.ID] = e
	return json.Marshal(map[string]string{"id": e.ID})
}

func (m *Machine) applyHeartbeatExecutor(cmd *Command) ([]byte, error) {
	e, ok := m.executors[cmd.ID]
	if !ok {
		return nil, fmt.Errorf("heartbeat_executor: executor %q: %w", cmd.ID, errors.ErrNotFound)
	}
	e.LastHeartbeat = cmd.Timestamp
	m.executors[cmd.ID] = e
	return json.Marshal(map[string]string{"id": cmd.ID})
}

func (m *Machine) applyDeregisterExecutor(cmd *Command) ([]byte, error) {
	delete(m.executors, cmd.ID)

	// Orphaned assignments return to the pool.
	for id, t := range m.tasks {
		if t.ExecutorID == cmd.ID && (t.Status == TaskAssigned || t.Status == TaskInProgress) {
			t.ExecutorID = ""
			t.Status = TaskUnassigned
			t.UpdatedAt = cmd.Timestamp
			m.tasks[id] = t
		}
	}
	return json.Marshal(map[string]string{"id": cmd.ID})
}

// snapshotState is the serialized form of the machine.
type snapshotState struct {
	Namespaces map[string]Namespace       `json:"namespaces"`
	Content    map[string]ContentMetadata `json:"content"`
	Indexes    map[string]IndexConfig     `json:"indexes"`
	Tasks      map[string]Task            `json:"tasks"`
	Executors  map[string]Executor        `json:"executors"`
	Tokens     []string                   `json:"tokens"`
	LastIndex  uint64                     `json:"last_index"`
}

// Snapshot serializes full state. Implements raft.StateMachine.
func (m *Machine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(snapshotState{
		Namespaces: m.namespaces,
		Content:    m.content,
		Indexes:    m.indexes,
		Tasks:      m.tasks,
		Executors:  m.executors,
		Tokens:     m.tokenOrder,
		LastIndex:  m.lastAppliedIndex,
	})
}

// Restore replaces all state from a snapshot. Implements raft.StateMachine.
func (m *Machine) Restore(data []byte) error {
	var s snapshotState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.namespaces = orEmpty(s.Namespaces)
	m.content = orEmpty(s.Content)
	m.indexes = orEmpty(s.Indexes)
	m.tasks = orEmpty(s.Tasks)
	m.executors = orEmpty(s.Executors)
	m.lastAppliedIndex = s.LastIndex

	m.appliedTokens = make(map[string]struct{}, len(s.Tokens))
	m.tokenOrder = s.Tokens
	for _, t := range s.Tokens {
		m.appliedTokens[t] = struct{}{}
	}
	return nil
}

func orEmpty[V any](in map[string]V) map[string]V {
	if in == nil {
		return make(map[string]V)
	}
	return in
}

// Read accessors. These serve stale-mode reads on any node; strict reads
// pass through the leader's read barrier first.

// LastAppliedIndex returns the log index this state reflects.
func (m *Machine) LastAppliedIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAppliedIndex
}

// GetNamespace fetches one namespace.
func (m *Machine) GetNamespace(name string) (Namespace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.namespaces[name]
	return ns, ok
}

// ListNamespaces returns all namespaces sorted by name.
func (m *Machine) ListNamespaces() []Namespace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Namespace, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetContent fetches one content record.
func (m *Machine) GetContent(id string) (ContentMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[id]
	return c, ok
}

// ListContent returns namespace content sorted by id.
func (m *Machine) ListContent(namespace string) []ContentMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ContentMetadata
	for _, c := range m.content {
		if c.Namespace == namespace {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetIndex fetches one index config.
func (m *Machine) GetIndex(namespace, name string) (IndexConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[indexKey(namespace, name)]
	return idx, ok
}

// ListIndexes returns namespace indexes sorted by name.
func (m *Machine) ListIndexes(namespace string) []IndexConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []IndexConfig
	for _, idx := range m.indexes {
		if idx.Namespace == namespace {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetTask fetches one task.
func (m *Machine) GetTask(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// ListTasks returns tasks filtered by namespace and status, sorted by
// id. An empty namespace or status matches everything.
func (m *Machine) ListTasks(namespace string, status TaskStatus) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if namespace != "" && t.Namespace != namespace {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TasksForExecutor returns live assignments for one executor.
func (m *Machine) TasksForExecutor(executorID string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if t.ExecutorID == executorID && (t.Status == TaskAssigned || t.Status == TaskInProgress) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListExecutors returns registered executors sorted by id.
func (m *Machine) ListExecutors() []Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Executor, 0, len(m.executors))
	for _, e := range m.executors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetExecutor returns a registered executor by id.
func (m *Machine) GetExecutor(id string) (Executor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executors[id]
	return e, ok
}
