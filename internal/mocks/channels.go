package mocks

import (
	"context"
	"io"
	"sync"

	"github.com/ZerkerEOD/otaagent/internal/controlplane"
	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
)

// StatusReport is one PublishStatus call.
type StatusReport struct {
	JobID string
	Doc   []byte
}

// MockControlChannel implements controlplane.Channel
type MockControlChannel struct {
	mu       sync.Mutex
	deliver  controlplane.DeliverFunc
	tokens   []string
	statuses []StatusReport

	// Call tracking
	SubscribeCalls int
	CloseCalls     int

	SubscribeErr error
	RequestErr   error
	PublishErr   error
}

// NewMockControlChannel creates a new mock control channel
func NewMockControlChannel() *MockControlChannel {
	return &MockControlChannel{}
}

// Subscribe implements controlplane.Channel
func (m *MockControlChannel) Subscribe(_ context.Context, deliver controlplane.DeliverFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeCalls++
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	m.deliver = deliver
	return nil
}

// RequestJobDocument implements controlplane.Channel
func (m *MockControlChannel) RequestJobDocument(_ context.Context, clientToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, clientToken)
	return m.RequestErr
}

// PublishStatus implements controlplane.Channel
func (m *MockControlChannel) PublishStatus(_ context.Context, jobID string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.statuses = append(m.statuses, StatusReport{JobID: jobID, Doc: append([]byte(nil), doc...)})
	return nil
}

// Close implements controlplane.Channel
func (m *MockControlChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Deliver hands doc to the subscriber as if the service pushed it.
func (m *MockControlChannel) Deliver(doc []byte) error {
	m.mu.Lock()
	deliver := m.deliver
	m.mu.Unlock()
	if deliver == nil {
		return controlplane.ErrNotConnected
	}
	return deliver(doc)
}

// Tokens returns the client tokens of every job document request.
func (m *MockControlChannel) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// Statuses returns every published status.
func (m *MockControlChannel) Statuses() []StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusReport(nil), m.statuses...)
}

// BlockRequest is one Request call on a data channel.
type BlockRequest struct {
	First, Last int
}

// MockDataChannel implements dataplane.Channel. Tests push frames with Send.
type MockDataChannel struct {
	name string

	mu       sync.Mutex
	deliver  dataplane.DeliverFunc
	requests []BlockRequest

	// Call tracking
	InitCalls   int
	DeinitCalls int

	InitErr    error
	RequestErr error
}

// NewMockDataChannel creates a mock data channel registered under name
func NewMockDataChannel(name string) *MockDataChannel {
	return &MockDataChannel{name: name}
}

// Name implements dataplane.Channel
func (m *MockDataChannel) Name() string { return m.name }

// Init implements dataplane.Channel
func (m *MockDataChannel) Init(_ context.Context, _ *transfer.FileContext, deliver dataplane.DeliverFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalls++
	if m.InitErr != nil {
		return m.InitErr
	}
	m.deliver = deliver
	return nil
}

// Request implements dataplane.Channel
func (m *MockDataChannel) Request(_ context.Context, _ *transfer.FileContext, first, last int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, BlockRequest{First: first, Last: last})
	return m.RequestErr
}

// Deinit implements dataplane.Channel
func (m *MockDataChannel) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeinitCalls++
	m.deliver = nil
	return nil
}

// Send encodes one block and delivers it through the registered callback.
func (m *MockDataChannel) Send(fileID uint32, index int, payload []byte) error {
	m.mu.Lock()
	deliver := m.deliver
	m.mu.Unlock()
	if deliver == nil {
		return io.ErrClosedPipe
	}
	frame, err := dataplane.EncodeBlock(fileID, index, payload)
	if err != nil {
		return err
	}
	return deliver(frame)
}

// Requests returns every requested range.
func (m *MockDataChannel) Requests() []BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BlockRequest(nil), m.requests...)
}

// Calls returns Init and Deinit counts.
func (m *MockDataChannel) Calls() (inits, deinits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InitCalls, m.DeinitCalls
}

// MockVerifier implements transfer.Verifier
type MockVerifier struct {
	mu    sync.Mutex
	Calls int
	// VerifyFunc overrides the default of accepting every image.
	VerifyFunc func(image []byte, signature []byte, certFile string) error
}

// Verify implements transfer.Verifier
func (m *MockVerifier) Verify(image io.Reader, signature []byte, certFile string) error {
	data, err := io.ReadAll(image)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.Calls++
	fn := m.VerifyFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(data, signature, certFile)
	}
	return nil
}
