package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	mid "github.com/stefluhh/realtime-stock-exchange-analysis/internal/middleware"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/metrics"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

// fakeStream opens a fresh session on every successful connect.
type fakeStream struct {
	mu            sync.Mutex
	trades        chan *models.Trade
	errs          chan error
	connected     bool
	failConnect   bool
	failReconnect bool
	reconnects    int
	closes        int
	sessions      chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{sessions: make(chan struct{}, 16)}
}

func (s *fakeStream) open() {
	s.trades = make(chan *models.Trade, 16)
	s.errs = make(chan error, 1)
	s.connected = true
	s.sessions <- struct{}{}
}

func (s *fakeStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnect {
		return errors.New("dial refused")
	}
	s.open()
	return nil
}

func (s *fakeStream) Subscribe(ctx context.Context) error { return nil }

func (s *fakeStream) Read(ctx context.Context) (<-chan *models.Trade, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades, s.errs
}

func (s *fakeStream) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	if s.failReconnect {
		return errors.New("auth failed")
	}
	s.open()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.connected {
		s.connected = false
		s.errs <- errors.New("connection closed")
	}
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) send(t *models.Trade) {
	s.mu.Lock()
	ch := s.trades
	s.mu.Unlock()
	ch <- t
}

func (s *fakeStream) set(fn func(s *fakeStream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeStream) waitSession(t *testing.T) {
	t.Helper()
	select {
	case <-s.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream session")
	}
}

type tradeRecorder struct {
	got chan *models.Trade
}

func (r *tradeRecorder) Process(ctx context.Context, t *models.Trade) error {
	r.got <- t
	return nil
}

func (r *tradeRecorder) wait(t *testing.T) *models.Trade {
	t.Helper()
	select {
	case tr := <-r.got:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a trade")
		return nil
	}
}

func zeroPolicy(retries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
	}
}

type testClock struct{ n atomic.Int64 }

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.set(t)
	return c
}

func (c *testClock) set(t time.Time) { c.n.Store(t.UnixNano()) }
func (c *testClock) add(d time.Duration) { c.n.Add(int64(d)) }
func (c *testClock) now() time.Time { return time.Unix(0, c.n.Load()) }

func newTestCollector(stream *fakeStream, opts ...CollectorOption) (*StreamCollector, *tradeRecorder) {
	rec := &tradeRecorder{got: make(chan *models.Trade, 16)}
	pipe := mid.NewRealtimePipeline(rec, metrics.Noop{}, mid.WithVenues(nil))
	return NewStreamCollector(stream, pipe, metrics.Noop{}, applogger.NewNop(), opts...), rec
}

func streamTrade(symbol string) *models.Trade {
	return &models.Trade{Symbol: symbol, Price: 190, Size: 100, TimestampMillis: 1709562600000, VenueID: 12}
}

func TestStreamCollectorForwardsTrades(t *testing.T) {
	stream := newFakeStream()
	c, rec := newTestCollector(stream, WithReconnectPolicy(zeroPolicy(3)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.waitSession(t)
	if _, ok := c.LastMessageAt(); ok {
		t.Fatal("no message expected before the first trade")
	}

	stream.send(streamTrade("AAPL"))
	if got := rec.wait(t); got.Symbol != "AAPL" {
		t.Fatalf("unexpected trade %+v", got)
	}
	if _, ok := c.LastMessageAt(); !ok {
		t.Fatal("last message time must be recorded")
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStreamCollectorReconnectsAfterError(t *testing.T) {
	stream := newFakeStream()
	c, rec := newTestCollector(stream, WithReconnectPolicy(zeroPolicy(3)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.waitSession(t)

	_ = stream.Close()
	stream.waitSession(t)
	stream.send(streamTrade("MSFT"))
	if got := rec.wait(t); got.Symbol != "MSFT" {
		t.Fatalf("unexpected trade %+v", got)
	}

	var reconnects int
	stream.set(func(s *fakeStream) { reconnects = s.reconnects })
	if reconnects != 1 {
		t.Fatalf("expected one reconnect, got %d", reconnects)
	}
	_ = c.Shutdown(context.Background())
}

func TestStreamCollectorRetriesFailedInitialConnect(t *testing.T) {
	stream := newFakeStream()
	stream.failConnect = true
	c, rec := newTestCollector(stream, WithReconnectPolicy(zeroPolicy(3)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.waitSession(t)
	stream.send(streamTrade("AAPL"))
	rec.wait(t)
	_ = c.Shutdown(context.Background())
}

func TestStreamCollectorGivesUpAfterMaxAttempts(t *testing.T) {
	stream := newFakeStream()
	c, _ := newTestCollector(stream, WithReconnectPolicy(zeroPolicy(3)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.waitSession(t)
	stream.set(func(s *fakeStream) { s.failReconnect = true })
	_ = stream.Close()

	select {
	case err := <-c.Fatal():
		if !errors.Is(err, ErrMaxReconnectAttempts) {
			t.Fatalf("expected ErrMaxReconnectAttempts, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not give up")
	}

	var reconnects int
	stream.set(func(s *fakeStream) { reconnects = s.reconnects })
	if reconnects != 3 {
		t.Fatalf("expected 3 reconnect attempts, got %d", reconnects)
	}
	_ = c.Shutdown(context.Background())
}

func TestStreamCollectorInitialConnectGivesUp(t *testing.T) {
	stream := newFakeStream()
	stream.failConnect = true
	stream.failReconnect = true
	c, _ := newTestCollector(stream, WithReconnectPolicy(zeroPolicy(2)))

	if err := c.Start(context.Background()); !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Fatalf("expected ErrMaxReconnectAttempts, got %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown without running loop: %v", err)
	}
}

func berlinAt(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, util.Berlin())
}

func TestStreamHealthy(t *testing.T) {
	monday := berlinAt(2024, time.March, 4, 15, 0)
	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"outside monitoring window", time.Time{}, berlinAt(2024, time.March, 4, 5, 0), true},
		{"no message yet", time.Time{}, monday, false},
		{"no message yet on weekend", time.Time{}, berlinAt(2024, time.March, 9, 15, 0), false},
		{"recent message", monday.Add(-time.Minute), monday, true},
		{"silent for too long", monday.Add(-16 * time.Minute), monday, false},
		{"after midnight inside window", berlinAt(2024, time.March, 5, 1, 0), berlinAt(2024, time.March, 5, 1, 10), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StreamHealthy(tt.last, tt.now, applogger.NewNop()); got != tt.want {
				t.Fatalf("StreamHealthy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuadraticBackOff(t *testing.T) {
	b := &QuadraticBackOff{Base: 5 * time.Second}
	want := []time.Duration{20 * time.Second, 45 * time.Second, 80 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 20*time.Second {
		t.Fatalf("after reset got %v", got)
	}

	limited := DefaultReconnectPolicy()
	n := 0
	for limited.NextBackOff() != backoff.Stop {
		n++
	}
	if n != MaxReconnectAttempts {
		t.Fatalf("expected %d attempts, got %d", MaxReconnectAttempts, n)
	}
}

func TestStreamCollectorProbeHealth(t *testing.T) {
	clock := newTestClock(berlinAt(2024, time.March, 4, 15, 0))
	stream := newFakeStream()
	c, rec := newTestCollector(stream, WithReconnectPolicy(zeroPolicy(3)), WithCollectorClock(clock.now))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.waitSession(t)

	if !c.ProbeHealth() {
		t.Fatal("probe must pass during the grace period")
	}

	clock.add(4 * time.Minute)
	if c.ProbeHealth() {
		t.Fatal("probe must fail without any message")
	}
	stream.waitSession(t)

	stream.send(streamTrade("AAPL"))
	rec.wait(t)
	if !c.ProbeHealth() {
		t.Fatal("probe must pass right after a message")
	}

	clock.add(16 * time.Minute)
	if c.ProbeHealth() {
		t.Fatal("probe must fail after a long silence")
	}
	stream.waitSession(t)
	_ = c.Shutdown(context.Background())
}
