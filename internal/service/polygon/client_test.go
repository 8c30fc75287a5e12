package polygon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

type fakeServer struct {
	key       string
	frames    []string
	subscribe chan map[string]string
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"connected","message":"Connected Successfully"}]`))

		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["action"] != "auth" || auth["params"] != f.key {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_failed","message":"authentication failed"}]`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_success","message":"authenticated"}]`))

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		f.subscribe <- sub
		for _, frame := range f.frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		// keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientStreamsTrades(t *testing.T) {
	fs := &fakeServer{
		key: "secret",
		frames: []string{
			`[{"ev":"T","sym":"AAPL","x":4,"p":189.5,"s":100,"c":[0,12],"t":1709562600000,"q":42},{"ev":"status","status":"info"}]`,
			`not json`,
			`[{"ev":"T","sym":"MSFT","x":11,"p":410.25,"s":5,"t":1709562601000,"q":43}]`,
		},
		subscribe: make(chan map[string]string, 1),
	}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New("secret", logger.NewNop(), WithURL(wsURL(srv)), WithPingInterval(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if !c.IsConnected() {
		t.Fatal("expected connected client")
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := <-fs.subscribe
	if sub["action"] != "subscribe" || sub["params"] != AllTrades {
		t.Fatalf("unexpected subscription %v", sub)
	}

	trades, _ := c.Read(ctx)
	first := <-trades
	if first.Symbol != "AAPL" || first.Price != 189.5 || first.Size != 100 || first.VenueID != 4 {
		t.Fatalf("unexpected trade %+v", first)
	}
	if len(first.Conditions) != 2 || first.Conditions[1] != 12 || first.TimestampMillis != 1709562600000 {
		t.Fatalf("unexpected trade details %+v", first)
	}
	second := <-trades
	if second.Symbol != "MSFT" || second.Sequence != 43 || second.Conditions != nil {
		t.Fatalf("unexpected trade %+v", second)
	}
}

func TestClientAuthFailure(t *testing.T) {
	fs := &fakeServer{key: "secret", subscribe: make(chan map[string]string, 1)}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New("wrong", logger.NewNop(), WithURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if c.IsConnected() {
		t.Fatal("client must not be connected")
	}
}

func TestClientReadReportsClosedConnection(t *testing.T) {
	fs := &fakeServer{key: "k", subscribe: make(chan map[string]string, 1)}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New("k", logger.NewNop(), WithURL(wsURL(srv)), WithPingInterval(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	trades, errs := c.Read(ctx)
	_ = c.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected read error after close")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for read error")
	}
	for range trades {
	}
}
