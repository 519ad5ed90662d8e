package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
	"tradeflow/internal/queue"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/results"
)

func priceEvent(i int) []byte {
	return []byte(fmt.Sprintf(`{"event_type":"price_update","timestamp":%d,"token_mint":"mint%d","price":"1.%d"}`, 1000+i, i, i))
}

func newPipeline(capacity int, bucket ratelimit.BucketConfig) (*queue.Scheduler, *ratelimit.Limiter) {
	return queue.New(results.NewStore(), queue.Options{Capacity: capacity}), ratelimit.New(bucket, nil)
}

func TestMalformedAndRateLimitedCountedSeparately(t *testing.T) {
	sched, lim := newPipeline(1000, ratelimit.BucketConfig{Capacity: 3, RefillRate: 0})
	in := New(nil, lim, sched, Options{})

	err := in.HandleMessage("events:price", []byte(`{"event_type":"price_update","timestamp":1,"price":"2.0"}`))
	assert.ErrorIs(t, err, ErrSchema)
	for i := 0; i < 10; i++ {
		require.NoError(t, in.HandleMessage("events:price", priceEvent(i)))
	}
	assert.Equal(t, 10, in.Stats().Buffered)

	in.Flush()

	st := in.Stats()
	assert.Equal(t, int64(11), st.Received)
	assert.Equal(t, int64(1), st.SchemaErrors)
	assert.Equal(t, int64(7), st.RateLimited)
	assert.Equal(t, int64(3), st.TasksCreated)
	assert.Equal(t, 0, st.Buffered)
	assert.Equal(t, 3, sched.Len())

	for i := 0; i < 3; i++ {
		tk, ok := sched.Next(context.Background(), 0)
		require.True(t, ok)
		assert.Equal(t, domain.TypePriceUpdate, tk.Type)
		assert.Equal(t, fmt.Sprintf("mint%d", i), tk.Payload["token_mint"], "earliest events are admitted first")
		assert.Equal(t, "stream", tk.Metadata["source"])
	}
}

func TestOneTokenPerEventRegardlessOfFanOut(t *testing.T) {
	sched, lim := newPipeline(1000, ratelimit.BucketConfig{Capacity: 1, RefillRate: 0})
	in := New(nil, lim, sched, Options{})

	require.NoError(t, in.HandleMessage("events:transaction", []byte(`{"event_type":"transaction","timestamp":1,"amount":"5","wallet":"w1"}`)))
	require.NoError(t, in.HandleMessage("events:transaction", []byte(`{"event_type":"transaction","timestamp":2,"amount":"6"}`)))
	in.Flush()

	st := in.Stats()
	assert.Equal(t, int64(2), st.TasksCreated)
	assert.Equal(t, int64(1), st.RateLimited)

	first, _ := sched.Next(context.Background(), 0)
	second, _ := sched.Next(context.Background(), 0)
	assert.ElementsMatch(t, []domain.TaskType{domain.TypeStreamEvent, domain.TypeMEVDetection}, []domain.TaskType{first.Type, second.Type})
}

func TestBucketsAreIndependentPerEventType(t *testing.T) {
	sched := queue.New(results.NewStore(), queue.Options{Capacity: 1000})
	lim := ratelimit.New(ratelimit.BucketConfig{Capacity: 100, RefillRate: 0}, map[string]ratelimit.BucketConfig{
		string(EventPriceUpdate): {Capacity: 1, RefillRate: 0},
	})
	in := New(nil, lim, sched, Options{})

	for i := 0; i < 3; i++ {
		require.NoError(t, in.HandleMessage("", priceEvent(i)))
		require.NoError(t, in.HandleMessage("", []byte(fmt.Sprintf(`{"event_type":"token_mint","timestamp":%d,"token_mint":"m%d"}`, i+1, i))))
	}
	in.Flush()

	st := in.Stats()
	assert.Equal(t, int64(2), st.RateLimited)
	assert.Equal(t, int64(1+3*2), st.TasksCreated)
}

func TestAdmissionRejectionsAreDropped(t *testing.T) {
	sched, lim := newPipeline(1, ratelimit.BucketConfig{Capacity: 10, RefillRate: 0})
	in := New(nil, lim, sched, Options{})

	require.NoError(t, in.HandleMessage("", []byte(`{"event_type":"token_mint","timestamp":1,"token_mint":"m"}`)))
	in.Flush()

	st := in.Stats()
	assert.Equal(t, int64(1), st.TasksCreated)
	assert.Equal(t, int64(1), st.AdmissionDrops)
	assert.Equal(t, 1, sched.Len())
}

// fakeTransport replays a script of subscribe outcomes. After the script
// runs out every Subscribe returns an idle subscription.
type fakeTransport struct {
	mu     sync.Mutex
	script []func() (Subscription, error)
	calls  int
}

func (f *fakeTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) == 0 {
		return newFakeSub(), nil
	}
	step := f.script[0]
	f.script = f.script[1:]
	return step()
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSub struct {
	msgs   chan Message
	closed chan struct{}
	once   sync.Once
}

func newFakeSub(msgs ...Message) *fakeSub {
	s := &fakeSub{msgs: make(chan Message, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		s.msgs <- m
	}
	return s
}

// eofAfter delivers msgs then reports a dropped connection.
func eofAfter(msgs ...Message) *fakeSub {
	s := newFakeSub(msgs...)
	close(s.msgs)
	return s
}

func (s *fakeSub) Receive(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return Message{}, io.EOF
		}
		return m, nil
	case <-s.closed:
		return Message{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func runIngestor(t *testing.T, in *Ingestor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("ingestor did not stop")
		}
	})
	return cancel
}

func TestReconnectsAfterTransportFailures(t *testing.T) {
	ft := &fakeTransport{script: []func() (Subscription, error){
		func() (Subscription, error) { return nil, errors.New("connection refused") },
		func() (Subscription, error) { return nil, errors.New("connection refused") },
		func() (Subscription, error) {
			return eofAfter(Message{Channel: "events:price", Payload: priceEvent(1)}), nil
		},
	}}
	sched, lim := newPipeline(100, ratelimit.BucketConfig{Capacity: 100, RefillRate: 0})
	in := New(ft, lim, sched, Options{
		FlushInterval:    5 * time.Millisecond,
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
	})
	runIngestor(t, in)

	assert.Eventually(t, func() bool {
		st := in.Stats()
		return st.TasksCreated == 1 && st.Connected && ft.Calls() == 4
	}, 2*time.Second, 5*time.Millisecond)

	st := in.Stats()
	assert.Equal(t, int64(3), st.TransportErrors)
	assert.Equal(t, int64(3), st.Reconnects)
}

func TestReconnectWaitNeverExceedsMax(t *testing.T) {
	bo := newReconnectBackoff(time.Second, time.Minute)
	var longest time.Duration
	for i := 0; i < 500; i++ {
		wait := bo.Next()
		require.Positive(t, wait)
		longest = max(longest, wait)
	}
	assert.LessOrEqual(t, longest, time.Minute)

	bo.Reset()
	assert.LessOrEqual(t, bo.Next(), 1500*time.Millisecond, "reset starts from the initial interval")
}

func TestBatchSizeTriggersEarlyFlush(t *testing.T) {
	var msgs []Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, Message{Channel: "events:price", Payload: priceEvent(i)})
	}
	ft := &fakeTransport{script: []func() (Subscription, error){
		func() (Subscription, error) { return newFakeSub(msgs...), nil },
	}}
	sched, lim := newPipeline(100, ratelimit.BucketConfig{Capacity: 100, RefillRate: 0})
	in := New(ft, lim, sched, Options{FlushInterval: time.Hour, MaxBatchSize: 5})
	runIngestor(t, in)

	assert.Eventually(t, func() bool { return in.Stats().TasksCreated == 5 }, time.Second, 5*time.Millisecond)
}

func TestStopFlushesBufferedEvents(t *testing.T) {
	ft := &fakeTransport{script: []func() (Subscription, error){
		func() (Subscription, error) {
			return newFakeSub(Message{Payload: priceEvent(1)}, Message{Payload: priceEvent(2)}), nil
		},
	}}
	sched, lim := newPipeline(100, ratelimit.BucketConfig{Capacity: 100, RefillRate: 0})
	in := New(ft, lim, sched, Options{FlushInterval: time.Hour})
	cancel := runIngestor(t, in)

	assert.Eventually(t, func() bool { return in.Stats().Buffered == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Eventually(t, func() bool { return sched.Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeFrame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"events:liquidity","data":{"event_type":"liquidity_event","timestamp":5,"token_mint":"abc"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"token_mint","timestamp":6,"token_mint":"def"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"events:liquidity","data":{"event_type":"liquidity_event"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sched, lim := newPipeline(100, ratelimit.BucketConfig{Capacity: 100, RefillRate: 0})
	in := New(NewWebSocketTransport(url, nil), lim, sched, Options{
		Channels:      []string{"events:liquidity", "events:token_mint"},
		FlushInterval: 5 * time.Millisecond,
	})
	runIngestor(t, in)

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, []string{"events:liquidity", "events:token_mint"}, sub.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}
	assert.Eventually(t, func() bool {
		st := in.Stats()
		return st.TasksCreated == 4 && st.SchemaErrors == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2, DisableIndentity: true})
	tr := NewRedisTransportFromClient(client)
	t.Cleanup(func() { _ = tr.Close() })

	sched, lim := newPipeline(100, ratelimit.BucketConfig{Capacity: 100, RefillRate: 0})
	in := New(tr, lim, sched, Options{FlushInterval: 5 * time.Millisecond})
	runIngestor(t, in)

	require.Eventually(t, func() bool { return in.Stats().Connected }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("events:*")) == len(DefaultChannels)
	}, 2*time.Second, 5*time.Millisecond)

	mr.Publish("events:transaction", `{"event_type":"transaction","timestamp":7,"amount":"0.5","wallet":"w"}`)
	mr.Publish("events:price", `{"event_type":"price_update","timestamp":8}`)

	assert.Eventually(t, func() bool {
		st := in.Stats()
		return st.TasksCreated == 2 && st.SchemaErrors == 1
	}, 2*time.Second, 5*time.Millisecond)
}
