package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/messaging"
)

type testDelivery struct {
	routingKey string
	headers    map[string]any
}

func (d testDelivery) Body() []byte            { return []byte(`{}`) }
func (d testDelivery) ContentType() string     { return "application/json" }
func (d testDelivery) ContentEncoding() string { return "utf-8" }
func (d testDelivery) Headers() map[string]any { return d.headers }
func (d testDelivery) MessageID() string       { return "m-1" }
func (d testDelivery) Acknowledge() error      { return nil }
func (d testDelivery) Reject(bool) error       { return nil }
func (d testDelivery) Metadata() contracts.MessageMetadata {
	return contracts.MessageMetadata{Queue: "orders", RoutingKey: d.routingKey}
}

func handle(routingKey string) *messaging.AckHandle {
	return messaging.NewAckHandle(testDelivery{routingKey: routingKey, headers: map[string]any{"tenant": "acme"}})
}

func recorder(name string, order *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, payload any, d *messaging.AckHandle, next messaging.Handler) error {
		*order = append(*order, name+":before")
		err := next(ctx, payload, d)
		*order = append(*order, name+":after")
		return err
	})
}

func TestInterceptorChainOrder(t *testing.T) {
	var order []string
	chain := NewInterceptorChain(recorder("a", &order)).Add(recorder("b", &order))

	handler := chain.Then(func(ctx context.Context, payload any, d *messaging.AckHandle) error {
		order = append(order, "handler")
		return nil
	})

	require.NoError(t, handler(context.Background(), nil, handle("order.created")))
	assert.Equal(t, []string{"a:before", "b:before", "handler", "b:after", "a:after"}, order)
	assert.Equal(t, []string{"a", "b"}, chain.Names())
}

func TestEmptyChainReturnsHandler(t *testing.T) {
	boom := errors.New("boom")
	handler := NewInterceptorChain().Then(func(ctx context.Context, payload any, d *messaging.AckHandle) error {
		return boom
	})

	assert.ErrorIs(t, handler(context.Background(), nil, handle("x")), boom)
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := NewInterceptorChain(NewLoggingInterceptor(logger)).Then(
		func(ctx context.Context, payload any, d *messaging.AckHandle) error {
			return errors.New("bad payload")
		})

	assert.Error(t, handler(context.Background(), nil, handle("order.created")))
	assert.Contains(t, buf.String(), "processing message")
	assert.Contains(t, buf.String(), "message processing failed")
	assert.Contains(t, buf.String(), "bad payload")
}

func TestFilteringInterceptor(t *testing.T) {
	calls := 0
	final := func(ctx context.Context, payload any, d *messaging.AckHandle) error {
		calls++
		return nil
	}
	filter := NewRoutingKeyFilter("order.*")

	t.Run("passes matching deliveries", func(t *testing.T) {
		calls = 0
		h := NewInterceptorChain(NewFilteringInterceptor(filter, SkipSilently, nil)).Then(final)
		require.NoError(t, h(context.Background(), nil, handle("order.created")))
		assert.Equal(t, 1, calls)
	})

	t.Run("skips silently", func(t *testing.T) {
		calls = 0
		h := NewInterceptorChain(NewFilteringInterceptor(filter, SkipSilently, nil)).Then(final)
		require.NoError(t, h(context.Background(), nil, handle("invoice.paid")))
		assert.Zero(t, calls)
	})

	t.Run("skips with error", func(t *testing.T) {
		calls = 0
		h := NewInterceptorChain(NewFilteringInterceptor(filter, SkipWithError, nil)).Then(final)
		assert.ErrorIs(t, h(context.Background(), nil, handle("invoice.paid")), ErrFiltered)
		assert.Zero(t, calls)
	})

	t.Run("skips with log", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		h := NewInterceptorChain(NewFilteringInterceptor(filter, SkipWithLog, logger)).Then(final)
		require.NoError(t, h(context.Background(), nil, handle("invoice.paid")))
		assert.Contains(t, buf.String(), "message skipped by filter")
	})

	t.Run("filter errors fail the handler", func(t *testing.T) {
		failing := MessageFilterFunc(func(context.Context, any, *messaging.AckHandle) (bool, error) {
			return false, errors.New("lookup failed")
		})
		h := NewInterceptorChain(NewFilteringInterceptor(failing, SkipSilently, nil)).Then(final)
		assert.ErrorContains(t, h(context.Background(), nil, handle("order.created")), "filter error")
	})
}

func TestRoutingKeyFilter(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.*", "order.created", true},
		{"order.*", "order.created.eu", false},
		{"order.#", "order", true},
		{"order.#", "order.created.eu", true},
		{"#.eu", "order.created.eu", true},
		{"*.created", "invoice.paid", false},
		{"#", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			ok, err := NewRoutingKeyFilter(tt.pattern).ShouldProcess(context.Background(), nil, handle(tt.key))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCombinedFilters(t *testing.T) {
	ctx := context.Background()
	d := handle("order.created")
	tenant := NewHeaderFilter("tenant", "acme")
	other := NewHeaderFilter("tenant", "globex")
	orders := NewRoutingKeyFilter("order.*")

	ok, _ := NewCompositeFilter(tenant, orders).ShouldProcess(ctx, nil, d)
	assert.True(t, ok)
	ok, _ = NewCompositeFilter(other, orders).ShouldProcess(ctx, nil, d)
	assert.False(t, ok)
	ok, _ = NewOrFilter(other, orders).ShouldProcess(ctx, nil, d)
	assert.True(t, ok)
	ok, _ = NewOrFilter(other).ShouldProcess(ctx, nil, d)
	assert.False(t, ok)
}

func TestConditionalInterceptor(t *testing.T) {
	var order []string
	conditional := NewConditionalInterceptor(NewRoutingKeyFilter("order.*"), recorder("audit", &order))
	h := NewInterceptorChain(conditional).Then(func(context.Context, any, *messaging.AckHandle) error {
		order = append(order, "handler")
		return nil
	})

	require.NoError(t, h(context.Background(), nil, handle("invoice.paid")))
	assert.Equal(t, []string{"handler"}, order)

	order = nil
	require.NoError(t, h(context.Background(), nil, handle("order.created")))
	assert.Equal(t, []string{"audit:before", "handler", "audit:after"}, order)
	assert.Equal(t, "ConditionalInterceptor[audit]", conditional.Name())
}
