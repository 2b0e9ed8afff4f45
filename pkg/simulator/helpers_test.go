package simulator_test

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/connstr"
	"github.com/illmade-knight/go-iot-sim/pkg/simulator"
	"github.com/stretchr/testify/mock"
)

// --- Mocks ---

// FakeConnector opens FakeConnections and records them in order. It is safe for concurrent use.
type FakeConnector struct {
	mu        sync.Mutex
	Opened    []*FakeConnection
	OpenErrs  map[string]error
	SendErr   func(deviceID string, n int) error // n is the 1-based send count for the device
	SendDelay time.Duration
	Block     chan struct{} // when set, every Send waits for it to close
	openCalls int
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{OpenErrs: map[string]error{}}
}

func (f *FakeConnector) Open(_ context.Context, descriptor string) (simulator.DeviceConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if err := f.OpenErrs[descriptor]; err != nil {
		return nil, err
	}
	conn := &FakeConnection{id: connstr.DeviceID(descriptor), connector: f}
	f.Opened = append(f.Opened, conn)
	return conn, nil
}

func (f *FakeConnector) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

func (f *FakeConnector) Connections() []*FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeConnection, len(f.Opened))
	copy(out, f.Opened)
	return out
}

func (f *FakeConnector) TotalSends() int {
	total := 0
	for _, c := range f.Connections() {
		total += len(c.Payloads())
	}
	return total
}

type FakeConnection struct {
	id        string
	connector *FakeConnector

	mu         sync.Mutex
	payloads   [][]byte
	closeCount int
}

func (c *FakeConnection) DeviceID() string { return c.id }

func (c *FakeConnection) Send(_ context.Context, payload []byte) error {
	if c.connector.Block != nil {
		<-c.connector.Block
	}
	if c.connector.SendDelay > 0 {
		time.Sleep(c.connector.SendDelay)
	}
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	n := len(c.payloads)
	c.mu.Unlock()
	if c.connector.SendErr != nil {
		return c.connector.SendErr(c.id, n)
	}
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

func (c *FakeConnection) Payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func (c *FakeConnection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// MockGenerator is a mock implementation of the MessageGenerator interface.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Render(template string) (string, error) {
	args := m.Called(template)
	return args.String(0), args.Error(1)
}

// RecordingSink collects every progress report. OnIncrement, when set, is called after
// each increment is recorded.
type RecordingSink struct {
	mu          sync.Mutex
	Increments  []string
	SentCounts  []int
	Finals      []string
	OnIncrement func(sent, total int)
}

func (s *RecordingSink) ReportIncrement(sent, total int, message string) {
	s.mu.Lock()
	s.Increments = append(s.Increments, message)
	s.SentCounts = append(s.SentCounts, sent)
	hook := s.OnIncrement
	s.mu.Unlock()
	if hook != nil {
		hook(sent, total)
	}
}

func (s *RecordingSink) Sent() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.SentCounts))
	copy(out, s.SentCounts)
	return out
}

func (s *RecordingSink) ReportFinal(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Finals = append(s.Finals, summary)
}

func (s *RecordingSink) Snapshot() (increments, finals []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Increments...), append([]string(nil), s.Finals...)
}
