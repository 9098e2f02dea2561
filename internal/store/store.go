package store

import (
	"context"

	"github.com/marqops/conductor/pkg/schema"
)

// Store defines the persistence contract the orchestrator consumes: read
// workflow definitions, record executions and scheduled runs, append run
// events. All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Execution records
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Run events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Encrypted secrets (ciphertext in, ciphertext out; see internal/secrets)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
