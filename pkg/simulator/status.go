package simulator

import "fmt"

// AggregateID is the identity given to the counter that sums every device in a run.
const AggregateID = "Total"

// StatusCounter tallies the outcome of the messages scheduled for one device,
// or for a whole run when used as the aggregate.
//
// It performs no locking of its own. The Simulator serializes every mutation.
type StatusCounter struct {
	id        string
	total     int
	sent      int
	succeeded int
	failed    int
}

// StatusSnapshot is a point-in-time copy of a StatusCounter.
type StatusSnapshot struct {
	ID        string `json:"id"`
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Completed returns succeeded + failed.
func (s StatusSnapshot) Completed() int {
	return s.Succeeded + s.Failed
}

// NewStatusCounter creates a counter expecting total completions.
func NewStatusCounter(id string, total int) *StatusCounter {
	if total < 0 {
		total = 0
	}
	return &StatusCounter{id: id, total: total}
}

func (c *StatusCounter) ID() string     { return c.id }
func (c *StatusCounter) Total() int     { return c.total }
func (c *StatusCounter) Sent() int      { return c.sent }
func (c *StatusCounter) Succeeded() int { return c.succeeded }
func (c *StatusCounter) Failed() int    { return c.failed }

// RecordSent counts n dispatched messages. It is diagnostic only and not bounded by total.
func (c *StatusCounter) RecordSent(n int) {
	c.sent += n
}

// RecordSuccess counts one successful completion.
func (c *StatusCounter) RecordSuccess() error {
	if c.IsComplete() {
		return fmt.Errorf("%w: %s already has %d of %d", ErrOverCompletion, c.id, c.Completed(), c.total)
	}
	c.succeeded++
	return nil
}

// RecordFailure counts one failed completion.
func (c *StatusCounter) RecordFailure() error {
	if c.IsComplete() {
		return fmt.Errorf("%w: %s already has %d of %d", ErrOverCompletion, c.id, c.Completed(), c.total)
	}
	c.failed++
	return nil
}

// Completed returns the number of messages that reached an outcome.
func (c *StatusCounter) Completed() int {
	return c.succeeded + c.failed
}

// IsComplete reports whether every expected message has an outcome.
func (c *StatusCounter) IsComplete() bool {
	return c.Completed() >= c.total
}

// Snapshot copies the current counts.
func (c *StatusCounter) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		ID:        c.id,
		Total:     c.total,
		Sent:      c.sent,
		Succeeded: c.succeeded,
		Failed:    c.failed,
	}
}
