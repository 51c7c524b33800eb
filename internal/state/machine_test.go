package state

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustApply(t *testing.T, m *Machine, index uint64, cmd *Command) []byte {
	t.Helper()
	payload, err := cmd.Encode()
	require.NoError(t, err)
	result, err := m.Apply(index, payload)
	require.NoError(t, err)
	return result
}

func TestApplyCreateNamespace(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, 1, &Command{
		Op:        OpCreateNamespace,
		Token:     "t1",
		Timestamp: 100,
		Namespace: &Namespace{Name: "docs"},
	})

	ns, ok := m.GetNamespace("docs")
	require.True(t, ok)
	require.Equal(t, int64(100), ns.CreatedAt)
	require.Equal(t, uint64(1), m.LastAppliedIndex())
}

func TestApplyDuplicateTokenIsNoop(t *testing.T) {
	m := NewMachine()
	cmd := &Command{
		Op:        OpCreateNamespace,
		Token:     "same-token",
		Timestamp: 100,
		Namespace: &Namespace{Name: "docs"},
	}
	mustApply(t, m, 1, cmd)

	result := mustApply(t, m, 2, cmd)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out["duplicate"])
	require.Equal(t, uint64(2), m.LastAppliedIndex())
	require.Len(t, m.ListNamespaces(), 1)
}

func TestApplyCommandWithoutTokenFails(t *testing.T) {
	m := NewMachine()
	payload, err := json.Marshal(Command{Op: OpCreateNamespace, Namespace: &Namespace{Name: "x"}})
	require.NoError(t, err)
	_, err = m.Apply(1, payload)
	require.Error(t, err)
}

func TestApplyPutContentRequiresNamespace(t *testing.T) {
	m := NewMachine()
	payload, err := (&Command{
		Op:    OpPutContent,
		Token: "t1",
		Content: &ContentMetadata{
			ID:        "c1",
			Namespace: "missing",
		},
	}).Encode()
	require.NoError(t, err)
	_, err = m.Apply(1, payload)
	require.Error(t, err)

	// A failed apply still advances the applied index.
	require.Equal(t, uint64(1), m.LastAppliedIndex())
}

func setupContent(t *testing.T, m *Machine) {
	mustApply(t, m, 1, &Command{Op: OpCreateNamespace, Token: "ns", Timestamp: 10,
		Namespace: &Namespace{Name: "docs"}})
	mustApply(t, m, 2, &Command{Op: OpPutContent, Token: "ct", Timestamp: 11,
		Content: &ContentMetadata{ID: "c1", Namespace: "docs", FileName: "a.pdf", Size: 42}})
}

func TestTaskLifecycle(t *testing.T) {
	m := NewMachine()
	setupContent(t, m)

	mustApply(t, m, 3, &Command{Op: OpRegisterExecutor, Token: "ex", Timestamp: 12,
		Executor: &Executor{ID: "exec-1", Addr: "10.0.0.1:7000"}})
	mustApply(t, m, 4, &Command{Op: OpCreateTask, Token: "tk", Timestamp: 13,
		Task: &Task{ID: "task-1", Namespace: "docs", ContentID: "c1", IndexName: "embeddings"}})

	task, ok := m.GetTask("task-1")
	require.True(t, ok)
	require.Equal(t, TaskUnassigned, task.Status)

	mustApply(t, m, 5, &Command{Op: OpAssignTask, Token: "as", Timestamp: 14,
		ID: "task-1", ExecutorID: "exec-1"})
	task, _ = m.GetTask("task-1")
	require.Equal(t, TaskAssigned, task.Status)
	require.Equal(t, "exec-1", task.ExecutorID)
	require.Len(t, m.TasksForExecutor("exec-1"), 1)

	mustApply(t, m, 6, &Command{Op: OpUpdateTask, Token: "up", Timestamp: 15,
		ID: "task-1", Status: string(TaskDone), Outcome: "embedded 128 chunks"})

	task, _ = m.GetTask("task-1")
	require.Equal(t, TaskDone, task.Status)

	content, _ := m.GetContent("c1")
	require.Equal(t, ContentIndexed, content.Status)
}

func TestFailedTaskMarksContentFailed(t *testing.T) {
	m := NewMachine()
	setupContent(t, m)
	mustApply(t, m, 3, &Command{Op: OpCreateTask, Token: "tk", Timestamp: 13,
		Task: &Task{ID: "task-1", Namespace: "docs", ContentID: "c1"}})
	mustApply(t, m, 4, &Command{Op: OpUpdateTask, Token: "up", Timestamp: 14,
		ID: "task-1", Status: string(TaskFailed), Outcome: "extractor crashed"})

	content, _ := m.GetContent("c1")
	require.Equal(t, ContentFailed, content.Status)
}

func TestDeregisterExecutorReleasesTasks(t *testing.T) {
	m := NewMachine()
	setupContent(t, m)
	mustApply(t, m, 3, &Command{Op: OpRegisterExecutor, Token: "ex", Timestamp: 12,
		Executor: &Executor{ID: "exec-1", Addr: "10.0.0.1:7000"}})
	mustApply(t, m, 4, &Command{Op: OpCreateTask, Token: "tk", Timestamp: 13,
		Task: &Task{ID: "task-1", Namespace: "docs", ContentID: "c1"}})
	mustApply(t, m, 5, &Command{Op: OpAssignTask, Token: "as", Timestamp: 14,
		ID: "task-1", ExecutorID: "exec-1"})

	mustApply(t, m, 6, &Command{Op: OpDeregisterExecutor, Token: "de", Timestamp: 15, ID: "exec-1"})

	require.Empty(t, m.ListExecutors())
	task, _ := m.GetTask("task-1")
	require.Equal(t, TaskUnassigned, task.Status)
	require.Empty(t, task.ExecutorID)
}

func TestListTasksFilters(t *testing.T) {
	m := NewMachine()
	setupContent(t, m)
	for i := 0; i < 3; i++ {
		mustApply(t, m, uint64(3+i), &Command{Op: OpCreateTask, Token: fmt.Sprintf("tk%d", i), Timestamp: 13,
			Task: &Task{ID: fmt.Sprintf("task-%d", i), Namespace: "docs", ContentID: "c1"}})
	}
	require.Len(t, m.ListTasks("docs", TaskUnassigned), 3)
	require.Len(t, m.ListTasks("other", TaskUnassigned), 0)
	require.Len(t, m.ListTasks("", ""), 3)
	// Allocation scans every namespace for unassigned work.
	require.Len(t, m.ListTasks("", TaskUnassigned), 3)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewMachine()
	setupContent(t, m)
	mustApply(t, m, 3, &Command{Op: OpCreateIndex, Token: "ix", Timestamp: 12,
		Index: &IndexConfig{Name: "embeddings", Namespace: "docs", Backend: "embedded", Dim: 384}})

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored := NewMachine()
	require.NoError(t, restored.Restore(snap))

	require.Equal(t, m.LastAppliedIndex(), restored.LastAppliedIndex())
	require.Equal(t, m.ListNamespaces(), restored.ListNamespaces())
	require.Equal(t, m.ListContent("docs"), restored.ListContent("docs"))
	require.Equal(t, m.ListIndexes("docs"), restored.ListIndexes("docs"))

	// Dedup tokens survive restore: a replayed command stays a no-op.
	result := mustApply(t, restored, 4, &Command{Op: OpCreateNamespace, Token: "ns", Timestamp: 99,
		Namespace: &Namespace{Name: "docs2"}})
	var out map[string]bool
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out["duplicate"])
}

func TestApplyIsDeterministic(t *testing.T) {
	commands := []*Command{
		{Op: OpCreateNamespace, Token: "1", Timestamp: 10, Namespace: &Namespace{Name: "a"}},
		{Op: OpCreateNamespace, Token: "2", Timestamp: 11, Namespace: &Namespace{Name: "b"}},
		{Op: OpPutContent, Token: "3", Timestamp: 12,
			Content: &ContentMetadata{ID: "c1", Namespace: "a", Size: 7}},
		{Op: OpCreateTask, Token: "4", Timestamp: 13,
			Task: &Task{ID: "t1", Namespace: "a", ContentID: "c1"}},
	}

	run := func() []byte {
		m := NewMachine()
		for i, cmd := range commands {
			mustApply(t, m, uint64(i+1), cmd)
		}
		snap, err := m.Snapshot()
		require.NoError(t, err)
		return snap
	}

	first := run()
	for i := 0; i < 5; i++ {
		require.Equal(t, first, run())
	}
}
