package rest

import (
	"context"

	"github.com/repcl/repcl/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryClockEvents returns clock events matching the given filter and
	// pagination params.
	QueryClockEvents(ctx context.Context, q storage.ClockEventQuery) ([]storage.ClockEvent, error)

	// ListNodes returns all registered nodes ordered by peer id.
	ListNodes(ctx context.Context) ([]storage.Node, error)

	// ListSimRuns returns recorded simulation configurations ordered by
	// run id.
	ListSimRuns(ctx context.Context) ([]storage.SimRun, error)

	// GetSimRun fetches a single recorded simulation configuration by UUID.
	GetSimRun(ctx context.Context, runID string) (*storage.SimRun, error)
}
