package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/relaymq/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTopologyChannel struct {
	mock.Mock
}

func (m *mockTopologyChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete).Error(0)
}

func (m *mockTopologyChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return m.Called(name, ifUnused).Error(0)
}

func (m *mockTopologyChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive)
	return ret.Get(0).(amqp.Queue), ret.Error(1)
}

func (m *mockTopologyChannel) QueueInspect(name string) (amqp.Queue, error) {
	ret := m.Called(name)
	return ret.Get(0).(amqp.Queue), ret.Error(1)
}

func (m *mockTopologyChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	ret := m.Called(name)
	return ret.Int(0), ret.Error(1)
}

func (m *mockTopologyChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait).Error(0)
}

func (m *mockTopologyChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return m.Called(name, key, exchange).Error(0)
}

type stubExecutor struct {
	ch    TopologyChannel
	calls int
}

func (s *stubExecutor) executeTopology(ctx context.Context, fn func(TopologyChannel) error) error {
	s.calls++
	return fn(s.ch)
}

func newTestTopology() (*TopologyManager, *mockTopologyChannel, *stubExecutor) {
	ch := &mockTopologyChannel{}
	exec := &stubExecutor{ch: ch}
	return newTopologyManager(exec), ch, exec
}

func TestTopologyManagerQueues(t *testing.T) {
	ctx := context.Background()

	t.Run("identical declarations hit the broker once", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		ch.On("QueueDeclare", "orders", true, false, false).
			Return(amqp.Queue{Name: "orders", Messages: 3}, nil).Once()

		spec := contracts.NewQueueSpec("orders")
		q1, err := tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)
		q2, err := tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)

		assert.Equal(t, q1, q2)
		assert.Equal(t, 3, q1.Messages)
		assert.Equal(t, 1, exec.calls)
		ch.AssertExpectations(t)
	})

	t.Run("changed parameters are declared again", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		ch.On("QueueDeclare", "orders", true, false, false).Return(amqp.Queue{Name: "orders"}, nil).Once()
		ch.On("QueueDeclare", "orders", true, true, false).Return(amqp.Queue{Name: "orders"}, nil).Once()

		spec := contracts.NewQueueSpec("orders")
		_, err := tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)

		spec.AutoDelete = true
		_, err = tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)

		assert.Equal(t, 2, exec.calls)
	})

	t.Run("reset forces a new declaration", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		ch.On("QueueDeclare", "orders", true, false, false).Return(amqp.Queue{Name: "orders"}, nil).Twice()

		spec := contracts.NewQueueSpec("orders")
		_, err := tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)

		tm.OnDisconnected(errors.New("lost"))

		_, err = tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)
		assert.Equal(t, 2, exec.calls)
	})

	t.Run("server named queues are never cached", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		ch.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-1"}, nil).Twice()

		spec := contracts.QueueSpec{AutoDelete: true, Exclusive: true}
		q, err := tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-1", q.Name)

		_, err = tm.DeclareQueue(ctx, spec)
		require.NoError(t, err)
		assert.Equal(t, 2, exec.calls)
	})

	t.Run("failures are typed and not cached", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		cause := errors.New("PRECONDITION_FAILED")
		ch.On("QueueDeclare", "orders", true, false, false).Return(amqp.Queue{}, cause).Twice()

		_, err := tm.DeclareQueue(ctx, contracts.NewQueueSpec("orders"))
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.ErrorIs(t, err, cause)

		_, err = tm.DeclareQueue(ctx, contracts.NewQueueSpec("orders"))
		assert.Error(t, err)
		assert.Equal(t, 2, exec.calls)
	})
}

func TestTopologyManagerExchangesAndBindings(t *testing.T) {
	ctx := context.Background()

	t.Run("exchange declaration is idempotent", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		ch.On("ExchangeDeclare", "events", "topic", true, false).Return(nil).Once()

		ex := contracts.NewExchange("events", contracts.ExchangeTopic)
		require.NoError(t, tm.DeclareExchange(ctx, ex))
		require.NoError(t, tm.DeclareExchange(ctx, ex))
		assert.Equal(t, 1, exec.calls)
	})

	t.Run("invalid exchange kind never reaches the broker", func(t *testing.T) {
		tm, _, exec := newTestTopology()

		err := tm.DeclareExchange(ctx, contracts.Exchange{Name: "bad", Kind: "random"})
		assert.ErrorIs(t, err, contracts.ErrConfiguration)
		assert.Equal(t, 0, exec.calls)
	})

	t.Run("bind honours no-wait and unbind clears the cache", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		b := contracts.Binding{Exchange: "events", RoutingKey: "order.*", NoWait: true}
		ch.On("QueueBind", "orders", "order.*", "events", true).Return(nil).Twice()
		ch.On("QueueUnbind", "orders", "order.*", "events").Return(nil).Once()

		require.NoError(t, tm.BindQueue(ctx, "orders", b))
		require.NoError(t, tm.BindQueue(ctx, "orders", b))
		assert.Equal(t, 1, exec.calls)

		require.NoError(t, tm.UnbindQueue(ctx, "orders", b))
		require.NoError(t, tm.BindQueue(ctx, "orders", b))
		assert.Equal(t, 3, exec.calls)
		ch.AssertExpectations(t)
	})

	t.Run("DeclareTopology declares everything in order", func(t *testing.T) {
		tm, ch, _ := newTestTopology()
		ch.On("ExchangeDeclare", "events", "fanout", true, false).Return(nil).Once()
		ch.On("QueueDeclare", "audit", true, false, false).Return(amqp.Queue{Name: "audit"}, nil).Once()
		ch.On("QueueBind", "audit", "", "events", false).Return(nil).Once()

		err := tm.DeclareTopology(ctx, contracts.Topology{
			Exchanges: []contracts.Exchange{contracts.NewExchange("events", contracts.ExchangeFanout)},
			Queues:    []contracts.QueueSpec{contracts.NewQueueSpec("audit")},
			Bindings:  []contracts.QueueBinding{{Queue: "audit", Binding: contracts.Binding{Exchange: "events"}}},
		})

		require.NoError(t, err)
		ch.AssertExpectations(t)
	})

	t.Run("delete forgets the declaration", func(t *testing.T) {
		tm, ch, exec := newTestTopology()
		ch.On("QueueDeclare", "tmp", true, false, false).Return(amqp.Queue{Name: "tmp"}, nil).Twice()
		ch.On("QueueDelete", "tmp").Return(4, nil).Once()

		_, err := tm.DeclareQueue(ctx, contracts.NewQueueSpec("tmp"))
		require.NoError(t, err)

		purged, err := tm.DeleteQueue(ctx, "tmp", false, false)
		require.NoError(t, err)
		assert.Equal(t, 4, purged)

		_, err = tm.DeclareQueue(ctx, contracts.NewQueueSpec("tmp"))
		require.NoError(t, err)
		assert.Equal(t, 3, exec.calls)
	})
}
