package reconcile

import (
	"context"
	"time"
)

// Event describes the outcome of one ReconcileFile call.
type Event struct {
	RunID       string
	Path        string
	KnowledgeID string
	Action      Action
	FileID      string
	Err         error
	Duration    time.Duration
}

// Observer receives reconciliation progress. Implementations must be safe
// for concurrent use; OnFileReconciled is called from walker goroutines.
type Observer interface {
	OnFileReconciled(Event)
	OnPassComplete(*SyncReport)
}

// Observers fans events out to every member in order.
type Observers []Observer

func (o Observers) OnFileReconciled(e Event) {
	for _, obs := range o {
		obs.OnFileReconciled(e)
	}
}

func (o Observers) OnPassComplete(r *SyncReport) {
	for _, obs := range o {
		obs.OnPassComplete(r)
	}
}

type nopObserver struct{}

func (nopObserver) OnFileReconciled(Event)     {}
func (nopObserver) OnPassComplete(*SyncReport) {}

type runIDKey struct{}

// WithRunID returns a context carrying the id of the enclosing pass.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the pass id stored by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
