package state

import (
	"encoding/json"
	"fmt"
)

// Op names a state mutation.
type Op string

const (
	OpCreateNamespace    Op = "create_namespace"
	OpPutContent         Op = "put_content"
	OpUpdateContent      Op = "update_content_status"
	OpCreateIndex        Op = "create_index"
	OpCreateTask         Op = "create_task"
	OpAssignTask         Op = "assign_task"
	OpUpdateTask         Op = "update_task"
	OpRegisterExecutor   Op = "register_executor"
	OpHeartbeatExecutor  Op = "heartbeat_executor"
	OpDeregisterExecutor Op = "deregister_executor"
)

// Command is the opaque payload carried by a log entry. Everything needed
// for a deterministic apply travels inside it: timestamps are supplied by
// the proposer, never read from the clock during apply.
type Command struct {
	Op Op `json:"op"`

	// Token deduplicates retries: a command whose token was already
	// applied is a no-op. Required on every mutation, since a timed-out
	// proposal may still commit later.
	Token string `json:"token"`

	// Timestamp is the proposer's unix time, recorded into created/updated
	// fields by apply.
	Timestamp int64 `json:"timestamp"`

	Namespace *Namespace       `json:"namespace,omitempty"`
	Content   *ContentMetadata `json:"content,omitempty"`
	Index     *IndexConfig     `json:"index,omitempty"`
	Task      *Task            `json:"task,omitempty"`
	Executor  *Executor        `json:"executor,omitempty"`

	// Targets for update/assign style ops.
	ID         string `json:"id,omitempty"`
	ExecutorID string `json:"executor_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
}

// Encode serializes the command for the replicated log.
func (c *Command) Encode() ([]byte, error) {
	if c.Token == "" {
		return nil, fmt.Errorf("command %s has no dedup token", c.Op)
	}
	return json.Marshal(c)
}

func decodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return &c, nil
}
