package simulator

import (
	"context"
	"time"
)

// DefaultDelayGranularity bounds how long a pending delay can lag behind a cancellation
// when it is observed only between chunks.
const DefaultDelayGranularity = time.Second

// CancellableDelay waits for d in chunks of at most granularity. Each chunk also wakes on
// ctx cancellation, in which case ctx.Err() is returned immediately. onTick, when not nil,
// runs after every completed chunk. A nil return means the whole duration elapsed.
func CancellableDelay(ctx context.Context, d, granularity time.Duration, onTick func()) error {
	if granularity <= 0 {
		granularity = DefaultDelayGranularity
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	remaining := d
	for remaining > 0 {
		step := min(remaining, granularity)

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		remaining -= step
		if onTick != nil {
			onTick()
		}
	}
	return nil
}
