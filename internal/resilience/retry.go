// Package resilience provides the ambient retry and circuit-breaking
// helpers shared by engine components that talk to durable storage or
// external ports.
package resilience

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RetryFlush retries fn with exponential backoff until it succeeds or ctx
// is cancelled. It exists for technical persistence-layer retries (e.g.
// the Execution Registry re-flushing a dirty record) and is deliberately
// open-ended: callers that need a bounded attempt count and specific
// delay formulas should use the domain retry policy instead (see
// engine/retry.go), not this helper.
func RetryFlush(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoff.DefaultInitialInterval
	b.MaxElapsedTime = 0 // retry forever, bounded only by ctx

	meter := otel.Meter("taskengine")
	attempts, _ := meter.Int64Counter("taskengine_persistence_flush_attempts_total")
	failures, _ := meter.Int64Counter("taskengine_persistence_flush_failures_total")

	return backoff.Retry(func() error {
		attempts.Add(ctx, 1, metric.WithAttributes())
		err := fn()
		if err != nil {
			failures.Add(ctx, 1, metric.WithAttributes())
		}
		return err
	}, backoff.WithContext(b, ctx))
}
