package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/relaymq/contracts"
)

var errBroker = errors.New("broker unavailable")

// fakePublishTransport fails the first `failures` publishes, or all of them when failures < 0
type fakePublishTransport struct {
	mu        sync.Mutex
	failures  int
	calls     int
	envelopes []*contracts.Envelope
	closed    bool
}

func (f *fakePublishTransport) Publish(ctx context.Context, exchange contracts.Exchange, env *contracts.Envelope, nonBlocking bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		return errBroker
	}
	f.envelopes = append(f.envelopes, env)
	return nil
}

func (f *fakePublishTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublishTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePublishTransport) Sent() []*contracts.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*contracts.Envelope(nil), f.envelopes...)
}

// fakeDelivery records acknowledgments
type fakeDelivery struct {
	body        []byte
	contentType string
	id          string
	acks        atomic.Int32
	rejects     atomic.Int32
}

func newFakeDelivery(id, body string) *fakeDelivery {
	return &fakeDelivery{id: id, body: []byte(body), contentType: "application/json"}
}

func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) ContentType() string     { return d.contentType }
func (d *fakeDelivery) ContentEncoding() string { return "utf-8" }
func (d *fakeDelivery) Headers() map[string]any { return nil }
func (d *fakeDelivery) MessageID() string       { return d.id }
func (d *fakeDelivery) Metadata() contracts.MessageMetadata {
	return contracts.MessageMetadata{RoutingKey: "test.key"}
}

func (d *fakeDelivery) Acknowledge() error {
	d.acks.Add(1)
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.rejects.Add(1)
	return nil
}

type fakeStream struct {
	ch       chan TransportDelivery
	once     sync.Once
	canceled atomic.Bool
}

func (s *fakeStream) Deliveries() <-chan TransportDelivery { return s.ch }

func (s *fakeStream) Cancel() error {
	s.canceled.Store(true)
	return nil
}

// fakeConsumeTransport hands out one stream per queue, pre-filled by the test
type fakeConsumeTransport struct {
	mu         sync.Mutex
	streams    map[string]*fakeStream
	options    map[string]ConsumeOptions
	consumeErr error
	closed     atomic.Bool
}

func newFakeConsumeTransport() *fakeConsumeTransport {
	return &fakeConsumeTransport{
		streams: make(map[string]*fakeStream),
		options: make(map[string]ConsumeOptions),
	}
}

func (f *fakeConsumeTransport) stream(queue string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[queue]
	if !ok {
		s = &fakeStream{ch: make(chan TransportDelivery, 64)}
		f.streams[queue] = s
	}
	return s
}

func (f *fakeConsumeTransport) deliver(queue string, deliveries ...TransportDelivery) {
	s := f.stream(queue)
	for _, d := range deliveries {
		s.ch <- d
	}
}

func (f *fakeConsumeTransport) closeStream(queue string) {
	s := f.stream(queue)
	s.once.Do(func() { close(s.ch) })
}

func (f *fakeConsumeTransport) Consume(ctx context.Context, queue string, options ConsumeOptions) (DeliveryStream, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	s := f.stream(queue)
	f.mu.Lock()
	f.options[queue] = options
	f.mu.Unlock()
	return s, nil
}

func (f *fakeConsumeTransport) DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error) {
	return contracts.Queue{Name: spec.Name}, nil
}

func (f *fakeConsumeTransport) BindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return nil
}

func (f *fakeConsumeTransport) UnbindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return nil
}

func (f *fakeConsumeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// mockConsumeTransport is used where call expectations matter
type mockConsumeTransport struct {
	mock.Mock
}

func (m *mockConsumeTransport) Consume(ctx context.Context, queue string, options ConsumeOptions) (DeliveryStream, error) {
	args := m.Called(ctx, queue, options)
	if s := args.Get(0); s != nil {
		return s.(DeliveryStream), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockConsumeTransport) DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(contracts.Queue), args.Error(1)
}

func (m *mockConsumeTransport) BindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return m.Called(ctx, queue, binding).Error(0)
}

func (m *mockConsumeTransport) UnbindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return m.Called(ctx, queue, binding).Error(0)
}

func (m *mockConsumeTransport) Close() error {
	return m.Called().Error(0)
}

// recordingMetrics counts collector calls
type recordingMetrics struct {
	NoOpMetricsCollector
	mu        sync.Mutex
	sends     map[bool]int
	retries   int
	handled   map[string]int
	hRetries  int
	acks      map[bool]int
	durations []time.Duration
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		sends:   make(map[bool]int),
		handled: make(map[string]int),
		acks:    make(map[bool]int),
	}
}

func (m *recordingMetrics) RecordSend(exchange string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends[success]++
}

func (m *recordingMetrics) RecordSendRetry(exchange string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) RecordHandled(queue, result string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled[result]++
	m.durations = append(m.durations, duration)
}

func (m *recordingMetrics) RecordHandlerRetry(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hRetries++
}

func (m *recordingMetrics) RecordAck(queue string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks[success]++
}

func (m *recordingMetrics) snapshot() (sends map[bool]int, handled map[string]int, acks map[bool]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sends = make(map[bool]int)
	for k, v := range m.sends {
		sends[k] = v
	}
	handled = make(map[string]int)
	for k, v := range m.handled {
		handled[k] = v
	}
	acks = make(map[bool]int)
	for k, v := range m.acks {
		acks[k] = v
	}
	return sends, handled, acks
}
