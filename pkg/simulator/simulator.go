package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/connstr"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the Simulator.
type Config struct {
	// DelayGranularity is the longest stretch of an inter-round delay that runs without
	// checking for cancellation and refreshing progress.
	DelayGranularity time.Duration
	// Stringify JSON-encodes each message as a string literal before it is sent.
	Stringify bool
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		DelayGranularity: DefaultDelayGranularity,
	}
}

// RunRequest describes one repeated-send run.
type RunRequest struct {
	// Descriptors identify the simulated devices, one connection each, in order.
	Descriptors []string
	// Template is the literal message, or the template source when IsTemplate is set.
	Template   string
	IsTemplate bool
	// RepeatCount is the number of rounds; every device sends once per round.
	RepeatCount int
	// Interval separates the start of consecutive rounds.
	Interval time.Duration
}

// RunSummary is the outcome of a run.
type RunSummary struct {
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
}

func (s RunSummary) String() string {
	outcome := "All device(s) finished."
	if s.Cancelled {
		outcome = "User aborted."
	}
	return fmt.Sprintf("%s Duration: %.3f second(s), with %d succeeded, and %d failed (of %d).",
		outcome, s.Duration.Seconds(), s.Succeeded, s.Failed, s.Total)
}

// Simulator sends messages from many simulated devices on a shared cadence.
// Only one run may be active at a time.
type Simulator struct {
	connector Connector
	generator MessageGenerator
	sink      ProgressSink
	config    Config
	logger    zerolog.Logger
	now       func() time.Time

	processing atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	current *run
}

// NewSimulator creates a Simulator. A nil generator defaults to a TemplateGenerator and a
// nil sink discards progress.
func NewSimulator(
	connector Connector,
	generator MessageGenerator,
	sink ProgressSink,
	cfg Config,
	logger zerolog.Logger,
) *Simulator {
	if cfg.DelayGranularity <= 0 {
		logger.Warn().Dur("provided_granularity", cfg.DelayGranularity).Msg("DelayGranularity was zero or negative, applying default value.")
		cfg.DelayGranularity = DefaultDelayGranularity
	}
	if generator == nil {
		generator = NewTemplateGenerator()
	}
	if sink == nil {
		sink = nopProgressSink{}
	}
	return &Simulator{
		connector: connector,
		generator: generator,
		sink:      sink,
		config:    cfg,
		logger:    logger.With().Str("component", "Simulator").Logger(),
		now:       time.Now,
	}
}

// IsProcessing reports whether a run is active.
func (s *Simulator) IsProcessing() bool {
	return s.processing.Load()
}

// Cancel stops the active run from scheduling further rounds. Sends already in flight
// still settle; use Wait to block until they have. It is a no-op when no run is active
// and never blocks.
func (s *Simulator) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Status returns the aggregate counter of the active or most recent run.
func (s *Simulator) Status() StatusSnapshot {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return StatusSnapshot{ID: AggregateID}
	}
	return r.aggregateSnapshot()
}

// DeviceStatuses returns the per-device counters of the active or most recent run,
// in descriptor order.
func (s *Simulator) DeviceStatuses() []StatusSnapshot {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.deviceSnapshots()
}

// Wait blocks until every send of the most recent run has returned and its connections
// are closed, or until ctx is done. Call it after SendRepeatedly returns; with no run
// it returns immediately.
func (s *Simulator) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRepeatedly runs req to completion or cancellation and returns its summary.
//
// Every round starts one send per device without waiting for earlier sends, so the
// interval is measured between send initiations. Cancellation, through ctx or Cancel,
// stops further rounds; the summary is returned as soon as it is observed, and Wait
// reports when the sends still in flight have settled.
func (s *Simulator) SendRepeatedly(ctx context.Context, req RunRequest) (*RunSummary, error) {
	// The busy flag and the cancel func change together so a Cancel seen after
	// IsProcessing reports true is never lost.
	s.mu.Lock()
	if !s.processing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Warn().Msg("Rejected run request, a previous simulation is in progress.")
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.processing.Store(false)
		s.mu.Unlock()
		cancel()
	}()

	deviceCount := len(req.Descriptors)
	if deviceCount == 0 || req.RepeatCount <= 0 || req.Interval < 0 {
		s.sink.ReportFinal("Invalid Operation.")
		return nil, fmt.Errorf("%w: %d device(s), %d message(s) each, interval %s",
			ErrInvalidOperation, deviceCount, req.RepeatCount, req.Interval)
	}
	total := deviceCount * req.RepeatCount

	start := s.now()
	s.logger.Info().
		Int("num_devices", deviceCount).
		Int("repeat_count", req.RepeatCount).
		Dur("interval", req.Interval).
		Bool("is_template", req.IsTemplate).
		Msg("Starting repeated send")
	s.sink.ReportIncrement(0, total, fmt.Sprintf("Start sending messages from %d device(s).", deviceCount))

	conns, err := s.openConnections(runCtx, req.Descriptors)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to open device connections, run aborted")
		return nil, err
	}

	r := newRun(conns, req.RepeatCount, s.logger)
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	// In-flight sends outlive a cancellation; they are only bounded by the transports.
	sendCtx := context.WithoutCancel(runCtx)

	// Cancellation is checked after each dispatch, so a connected run always sends
	// its first round.
	for round := 0; round < req.RepeatCount; round++ {
		for _, d := range r.devices {
			payload, genErr := s.payload(req)
			r.dispatch(sendCtx, d, payload, genErr)
		}
		s.logger.Debug().Int("round", round+1).Int("of", req.RepeatCount).Msg("Round dispatched")

		stop := runCtx.Err() != nil
		if !stop && round < req.RepeatCount-1 {
			stop = CancellableDelay(runCtx, req.Interval, s.config.DelayGranularity, func() { s.reportProgress(r) }) != nil
		}
		s.reportProgress(r)
		if stop {
			break
		}
	}

	select {
	case <-r.settled:
	case <-runCtx.Done():
	}
	cancelled := runCtx.Err() != nil
	go r.drain()

	agg := r.aggregateSnapshot()
	summary := &RunSummary{
		Cancelled: cancelled,
		Duration:  s.now().Sub(start),
		Succeeded: agg.Succeeded,
		Failed:    agg.Failed,
		Total:     agg.Total,
	}
	s.logger.Info().
		Bool("cancelled", summary.Cancelled).
		Dur("duration", summary.Duration).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("total", summary.Total).
		Msg("Repeated send finished")
	s.sink.ReportFinal(summary.String())
	return summary, nil
}

// SendOnce opens a connection for one device, sends message and closes it again.
func (s *Simulator) SendOnce(ctx context.Context, descriptor, message string) error {
	conn, err := s.connector.Open(ctx, descriptor)
	if err != nil {
		return &ConnectionError{Descriptor: connstr.Redact(descriptor), Err: err}
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Str("device_id", conn.DeviceID()).Msg("Failed to close device connection")
		}
	}()

	payload, err := s.payload(RunRequest{Template: message})
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, payload); err != nil {
		return &SendError{DeviceID: conn.DeviceID(), Err: err}
	}
	s.logger.Info().Str("device_id", conn.DeviceID()).Msg("Message sent")
	return nil
}

// openConnections opens every descriptor concurrently. Either all connections are
// returned, in descriptor order, or none are left open.
func (s *Simulator) openConnections(ctx context.Context, descriptors []string) ([]DeviceConnection, error) {
	conns := make([]DeviceConnection, len(descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i, descriptor := range descriptors {
		g.Go(func() error {
			conn, err := s.connector.Open(gctx, descriptor)
			if err != nil {
				return &ConnectionError{Descriptor: connstr.Redact(descriptor), Err: err}
			}
			conns[i] = conn
			s.logger.Info().Str("device_id", conn.DeviceID()).Msg("Device started")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn == nil {
				continue
			}
			if cerr := conn.Close(); cerr != nil {
				s.logger.Warn().Err(cerr).Str("device_id", conn.DeviceID()).Msg("Failed to close device connection")
			}
		}
		return nil, err
	}
	return conns, nil
}

func (s *Simulator) payload(req RunRequest) ([]byte, error) {
	message := req.Template
	if req.IsTemplate {
		rendered, err := s.generator.Render(req.Template)
		if err != nil {
			var te *TemplateError
			if !errors.As(err, &te) {
				err = &TemplateError{Err: err}
			}
			return nil, err
		}
		message = rendered
	}
	if s.config.Stringify {
		return json.Marshal(message)
	}
	return []byte(message), nil
}

func (s *Simulator) reportProgress(r *run) {
	agg := r.aggregateSnapshot()
	s.sink.ReportIncrement(agg.Sent, agg.Total,
		fmt.Sprintf("Sent message(s) %d of %d, %d succeeded, %d failed", agg.Sent, agg.Total, agg.Succeeded, agg.Failed))
}
