package monitoring

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/gavelworks/lotsync/internal/store"
)

// Collector reads the store summary and refreshes the backlog gauges.
type Collector struct {
	store store.Store
}

// NewCollector creates a Collector over the given store.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect queries the persisted state summary and publishes the gauge values.
func (c *Collector) Collect(ctx context.Context) (*store.Summary, error) {
	sum, err := c.store.Summary(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect summary")
	}

	m := Engine()
	m.stagingBacklog.Set(float64(sum.StagingPending))
	m.missingVINRate.Set(sum.MissingVINRate())
	m.conflictBacklog.Set(float64(sum.UnresolvedConflicts))

	return sum, nil
}
