package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/rac-sentinel/internal/store"
)

// Window is the width of one metric bucket.
const Window = time.Minute

// Policy selects what Write does with a store failure.
type Policy int

const (
	Propagate Policy = iota
	Swallow
)

// BucketStart truncates t down to the start of its window, in UTC.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(Window)
}

type Sink interface {
	UpsertMetricBucket(ctx context.Context, agent store.AgentBucket, tenants []store.TenantBucket) error
}

// Writer upserts metric buckets keyed by (agent, bucket start) and
// (agent, bucket start, tenant). Writing twice inside one window overwrites
// the same rows with the newer snapshot.
type Writer struct {
	sink Sink
}

func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

func (w *Writer) Write(ctx context.Context, at time.Time, agent store.AgentBucket, tenants []store.TenantBucket, policy Policy) error {
	agent.BucketStart = BucketStart(at)

	err := w.sink.UpsertMetricBucket(ctx, agent, tenants)
	if err == nil {
		return nil
	}
	if policy == Swallow {
		slog.Debug("Dropped metric bucket write",
			"agent_id", agent.AgentID,
			"bucket_start", agent.BucketStart,
			"error", err)
		return nil
	}
	return err
}
