// ABOUTME: Store interface and data types for muster persistence
// ABOUTME: Defines Agent, Task, Request, Activity, Conflict and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing ID
var ErrDuplicate = errors.New("duplicate id")

// ErrConcurrentModification is returned when a compare-and-swap status update
// loses to a concurrent writer. Callers must re-read and decide whether the
// transition still applies.
var ErrConcurrentModification = errors.New("concurrent modification")

// Agent status constants
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentError   = "error"
	AgentOffline = "offline"
)

// Task status constants
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task priority constants
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Request status constants
const (
	RequestPending         = "pending"
	RequestApproved        = "approved"
	RequestRejected        = "rejected"
	RequestExecuted        = "executed"
	RequestTimeout         = "timeout"
	RequestExecutionFailed = "execution_failed"
)

// Risk level constants
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// TaskTerminal reports whether a task status is terminal.
func TaskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed
}

// RequestTerminal reports whether a request status is terminal.
func RequestTerminal(status string) bool {
	switch status {
	case RequestExecuted, RequestRejected, RequestTimeout, RequestExecutionFailed:
		return true
	}
	return false
}

// Agent represents a registered worker backed by a long-lived session.
// Agents are never deleted, only marked offline.
type Agent struct {
	Name          string
	Status        string // idle, busy, error, offline
	CurrentTaskID *string
	LastHeartbeat time.Time
	Capabilities  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task represents a unit of work tracked from creation to completion.
type Task struct {
	ID            string
	Description   string
	Priority      string // low, medium, high, urgent
	Status        string // pending, assigned, in_progress, completed, failed
	Requester     string
	AssignedAgent *string
	Resource      string // advisory resource tag used for conflict detection
	Result        json.RawMessage
	Error         *string
	RetryCount    int
	TimeoutSecs   int // per-task in_progress deadline; 0 means use the configured default
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Request represents an agent-originated action requiring authorization.
type Request struct {
	ID           string
	Agent        string // requesting agent
	Type         string // request type tag, e.g. "bash_command"
	Command      string
	RiskLevel    string // low, medium, high, critical
	AutoApproved bool
	Approver     *string
	Status       string // pending, approved, rejected, executed, timeout, execution_failed
	Reason       *string
	Metadata     json.RawMessage
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// Activity is an append-only audit record. Entries are never mutated or deleted.
type Activity struct {
	ID          string
	Agent       string
	Category    string
	Description string
	Detail      json.RawMessage
	CreatedAt   time.Time
}

// Conflict flags two or more agents holding non-terminal tasks that claim the
// same resource tag. Conflicts are advisory, not blocking.
type Conflict struct {
	ID         string
	Agents     []string
	Resource   string
	Resolved   bool
	Resolution *string
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// TaskUpdate names the mutable task fields for partial updates.
// Nil pointer fields are left untouched.
type TaskUpdate struct {
	AssignedAgent **string // set to pointer-to-nil to clear the assignment
	Result        *json.RawMessage
	Error         **string
	RetryCount    *int
	StartedAt     **time.Time
	CompletedAt   **time.Time
}

// TaskFilter narrows ListTasks results. Zero values mean "no filter".
type TaskFilter struct {
	Status string
	Agent  string
	Limit  int
	Offset int
}

// ActivityFilter narrows QueryActivities results.
type ActivityFilter struct {
	Since *time.Time
	Agent string
	Limit int
}

// Store defines the persistence operations for the coordination core.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context, filterStatus string) ([]*Agent, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// UpdateTaskStatus performs a compare-and-swap from expect to next,
	// applying update in the same statement. Returns
	// ErrConcurrentModification if the current status is not expect, or
	// ErrNotFound if the task does not exist.
	UpdateTaskStatus(ctx context.Context, id, expect, next string, update TaskUpdate) error
	// UpdateTask applies a partial update without touching status.
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error

	// Requests
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListPendingRequests(ctx context.Context) ([]*Request, error)
	// UpdateRequestStatus is the request counterpart of UpdateTaskStatus.
	UpdateRequestStatus(ctx context.Context, id, expect, next string, approver, reason *string) error

	// Activity log
	AppendActivity(ctx context.Context, entry *Activity) error
	QueryActivities(ctx context.Context, filter ActivityFilter) ([]*Activity, error)

	// Conflicts
	RecordConflict(ctx context.Context, conflict *Conflict) error
	ResolveConflict(ctx context.Context, id, resolution string) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListOpenConflicts(ctx context.Context) ([]*Conflict, error)

	// Close releases any resources held by the store
	Close() error
}
