package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// WithTimeout runs fn with a derived context that is cancelled after the
// given timeout. An overrun returns the query core's deadline kind and a
// cancelled parent returns the cancelled kind, so callers classify these
// failures the same way as shard-level ones.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w: parent context done", name, apperrors.ErrCancelled)
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, apperrors.ErrDeadline, timeout)
	}
}
