package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/marqops/conductor/pkg/schema"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[string]*schema.WorkflowDefinition
	executions  map[string]*ExecutionRecord
	scheduled   map[string]*ScheduledRun
	events      []*Event
	eventSeq    int64
	secrets     map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		executions:  make(map[string]*ExecutionRecord),
		scheduled:   make(map[string]*ScheduledRun),
		secrets:     make(map[string][]byte),
	}
}

func (m *MemoryStore) CreateDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition missing ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.definitions[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %q already exists", def.ID)
	}
	m.definitions[def.ID] = cloneDefinition(def)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, nil
	}
	return cloneDefinition(def), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.WorkflowDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		out = append(out, cloneDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	delete(m.definitions, id)
	return nil
}

func (m *MemoryStore) SaveExecution(_ context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution record missing ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.executions[rec.ExecutionID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, executionID string) (*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ExecutionRecord, 0, len(m.executions))
	for _, rec := range m.executions {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateScheduledRun(_ context.Context, run *ScheduledRun) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled run missing ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scheduled[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled run %q already exists", run.ID)
	}
	cp := *run
	m.scheduled[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledRun(_ context.Context, id string) (*ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.scheduled[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledRun(_ context.Context, id string, update ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.scheduled[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.ExecutionID != nil {
		run.ExecutionID = *update.ExecutionID
	}
	if update.FiredAt != nil {
		t := *update.FiredAt
		run.FiredAt = &t
	}
	return nil
}

func (m *MemoryStore) ListScheduledRuns(_ context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ScheduledRun, 0, len(m.scheduled))
	for _, run := range m.scheduled {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.DueBefore != nil && run.RunAt.After(*filter.DueBefore) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteScheduledRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	delete(m.scheduled, id)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	cp := *event
	cp.ID = m.eventSeq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.ID <= since {
			continue
		}
		if executionID != "" && e.ExecutionID != executionID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// cloneDefinition deep-copies via JSON so callers cannot mutate stored state.
func cloneDefinition(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	raw, _ := json.Marshal(def)
	var cp schema.WorkflowDefinition
	_ = json.Unmarshal(raw, &cp)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
