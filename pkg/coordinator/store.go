package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avi3tal/coordinator/pkg/types"
)

// ErrResultNotFound is returned by Load for an unknown workflow ID.
var ErrResultNotFound = errors.New("workflow result not found")

// Record is one stored workflow outcome.
type Record struct {
	Result  types.WorkflowResult
	Err     string
	SavedAt time.Time
}

// ResultStore keeps finished workflow results by workflow ID.
type ResultStore interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, workflowID string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// MemoryStore is an in-process ResultStore. It also implements Callback, so
// it can be handed to WithCallback to retain every result a Serve loop
// produces.
type MemoryStore struct {
	records map[string]Record
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.Result.WorkflowID == "" {
		return fmt.Errorf("save result: missing workflow id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.SavedAt = time.Now()
	m.records[rec.Result.WorkflowID] = rec
	return nil
}

func (m *MemoryStore) Load(_ context.Context, workflowID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[workflowID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrResultNotFound, workflowID)
	}
	return rec, nil
}

// List returns every record, oldest first.
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].Result.WorkflowID < out[j].Result.WorkflowID
		}
		return out[i].SavedAt.Before(out[j].SavedAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, workflowID)
	return nil
}

func (m *MemoryStore) OnComplete(ctx context.Context, result types.WorkflowResult) error {
	return m.Save(ctx, Record{Result: result})
}

// OnError keeps failures that carry a workflow ID. Listener errors arrive
// without one and are dropped.
func (m *MemoryStore) OnError(ctx context.Context, result types.WorkflowResult, err error) error {
	if result.WorkflowID == "" {
		return nil
	}
	rec := Record{Result: result}
	if err != nil {
		rec.Err = err.Error()
	}
	return m.Save(ctx, rec)
}
