package simulator

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// run holds the accounting for a single SendRepeatedly call.
type run struct {
	mu        sync.Mutex
	aggregate *StatusCounter
	devices   []*deviceRun

	inflight   sync.WaitGroup
	settled    chan struct{}
	settleOnce sync.Once
	// drained is closed once every send has returned and every connection is closed.
	drained chan struct{}
	logger  zerolog.Logger
}

type deviceRun struct {
	conn      DeviceConnection
	status    *StatusCounter
	closeOnce sync.Once
}

func newRun(conns []DeviceConnection, repeatCount int, logger zerolog.Logger) *run {
	r := &run{
		aggregate: NewStatusCounter(AggregateID, len(conns)*repeatCount),
		devices:   make([]*deviceRun, len(conns)),
		settled:   make(chan struct{}),
		drained:   make(chan struct{}),
		logger:    logger,
	}
	for i, conn := range conns {
		r.devices[i] = &deviceRun{
			conn:   conn,
			status: NewStatusCounter(conn.DeviceID(), repeatCount),
		}
	}
	return r
}

// dispatch starts one send for d. A payload generation error is recorded as a failed
// send without touching the connection.
func (r *run) dispatch(ctx context.Context, d *deviceRun, payload []byte, genErr error) {
	if genErr != nil {
		r.complete(d, genErr)
		return
	}

	r.mu.Lock()
	d.status.RecordSent(1)
	r.aggregate.RecordSent(1)
	r.mu.Unlock()

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		err := d.conn.Send(ctx, payload)
		if err != nil {
			err = &SendError{DeviceID: d.conn.DeviceID(), Err: err}
		}
		r.complete(d, err)
	}()
}

// complete records the outcome of one send on the device and aggregate counters.
func (r *run) complete(d *deviceRun, sendErr error) {
	r.mu.Lock()
	var recordErr error
	if sendErr != nil {
		recordErr = errors.Join(d.status.RecordFailure(), r.aggregate.RecordFailure())
	} else {
		recordErr = errors.Join(d.status.RecordSuccess(), r.aggregate.RecordSuccess())
	}
	deviceDone := d.status.IsComplete()
	allDone := r.aggregate.IsComplete()
	r.mu.Unlock()

	if sendErr != nil {
		r.logger.Warn().Err(sendErr).Str("device_id", d.status.ID()).Msg("Message send failed")
	}
	if recordErr != nil {
		r.logger.Error().Err(recordErr).Str("device_id", d.status.ID()).Msg("Completion ignored")
	}
	if deviceDone {
		r.closeDevice(d)
	}
	if allDone {
		r.settleOnce.Do(func() { close(r.settled) })
	}
}

func (r *run) closeDevice(d *deviceRun) {
	d.closeOnce.Do(func() {
		if err := d.conn.Close(); err != nil {
			r.logger.Warn().Err(err).Str("device_id", d.status.ID()).Msg("Failed to close device connection")
			return
		}
		r.logger.Debug().Str("device_id", d.status.ID()).Msg("Device connection closed")
	})
}

// drain waits for in-flight sends and closes every connection that did not complete
// on its own. It must be called once, after the last dispatch.
func (r *run) drain() {
	r.inflight.Wait()
	for _, d := range r.devices {
		r.closeDevice(d)
	}
	close(r.drained)
	r.logger.Debug().Msg("Run drained")
}

func (r *run) aggregateSnapshot() StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregate.Snapshot()
}

func (r *run) deviceSnapshots() []StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StatusSnapshot, len(r.devices))
	for i, d := range r.devices {
		out[i] = d.status.Snapshot()
	}
	return out
}
