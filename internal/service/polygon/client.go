package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const (
	DefaultURL        = "wss://delayed.polygon.io/stocks"
	AllTrades         = "T.*"
	handshakeTimeout  = 10 * time.Second
	tradeBufferSize   = 4096
	eventTrade        = "T"
	eventStatus       = "status"
	statusConnected   = "connected"
	statusAuthSuccess = "auth_success"
	statusAuthFailed  = "auth_failed"
)

var ErrAuthFailed = errors.New("polygon authentication failed")

// Client implements a MarketStream backed by the Polygon stocks WebSocket.
type Client struct {
	apiKey       string
	url          string
	params       string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	log          *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

type Option func(*Client)

// WithURL sets the WebSocket endpoint.
func WithURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.url = url
		}
	}
}

// WithSubscription sets the subscription params, e.g. "T.AAPL,T.MSFT".
func WithSubscription(params string) Option {
	return func(c *Client) {
		if params != "" {
			c.params = params
		}
	}
}

// WithPingInterval sets how often a ping frame is sent. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// New creates a new Polygon MarketStream.
func New(apiKey string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		url:          DefaultURL,
		params:       AllTrades,
		pingInterval: 30 * time.Second,
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:          log.Named("polygon"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// event is one element of a Polygon message array. Trades and status
// messages share the frame.
type event struct {
	Ev         string  `json:"ev"`
	Status     string  `json:"status,omitempty"`
	Message    string  `json:"message,omitempty"`
	Sym        string  `json:"sym,omitempty"`
	Exchange   int     `json:"x,omitempty"`
	Price      float64 `json:"p,omitempty"`
	Size       int64   `json:"s,omitempty"`
	Conditions []int   `json:"c,omitempty"`
	Timestamp  int64   `json:"t,omitempty"`
	Sequence   int64   `json:"q,omitempty"`
}

func (e event) trade() *models.Trade {
	return &models.Trade{
		Symbol:          e.Sym,
		Price:           e.Price,
		Size:            e.Size,
		TimestampMillis: e.Timestamp,
		VenueID:         e.Exchange,
		Conditions:      e.Conditions,
		Sequence:        e.Sequence,
	}
}

// Connect dials the endpoint and authenticates.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("polygon connect: %w", err)
	}
	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info("authenticated", logger.String("url", c.url))
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	if err := c.awaitStatus(conn, statusConnected); err != nil {
		return err
	}
	if err := conn.WriteJSON(map[string]string{"action": "auth", "params": c.apiKey}); err != nil {
		return fmt.Errorf("polygon auth: %w", err)
	}
	return c.awaitStatus(conn, statusAuthSuccess)
}

func (c *Client) awaitStatus(conn *websocket.Conn, want string) error {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polygon handshake: %w", err)
		}
		var events []event
		if err := json.Unmarshal(b, &events); err != nil {
			return fmt.Errorf("polygon handshake frame: %w", err)
		}
		for _, e := range events {
			if e.Ev != eventStatus {
				continue
			}
			switch e.Status {
			case want:
				return nil
			case statusAuthFailed:
				return fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
			}
		}
	}
}

// Subscribe subscribes to the configured channels.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return fmt.Errorf("polygon not connected")
	}
	if err := c.conn.WriteJSON(map[string]string{"action": "subscribe", "params": c.params}); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.params, err)
	}
	c.log.Info("subscribed", logger.String("params", c.params))
	return nil
}

// Read streams trades until the connection fails or ctx ends. Both channels
// are closed when reading stops.
func (c *Client) Read(ctx context.Context) (<-chan *models.Trade, <-chan error) {
	trades := make(chan *models.Trade, tradeBufferSize)
	errs := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	if c.pingInterval > 0 {
		go c.ping(readCtx, conn)
	}

	go func() {
		defer cancel()
		defer close(trades)
		defer close(errs)
		if conn == nil {
			errs <- fmt.Errorf("polygon conn nil")
			return
		}
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if readCtx.Err() == nil {
					errs <- fmt.Errorf("polygon read: %w", err)
				}
				return
			}
			var events []event
			if err := json.Unmarshal(b, &events); err != nil {
				c.log.Warn("unreadable frame", logger.Error(err))
				continue
			}
			for _, e := range events {
				switch e.Ev {
				case eventTrade:
					select {
					case trades <- e.trade():
					case <-readCtx.Done():
						return
					}
				case eventStatus:
					c.log.Info("status message", logger.String("status", e.Status), logger.String("message", e.Message))
				}
			}
		}
	}()

	return trades, errs
}

func (c *Client) ping(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Reconnect closes the connection, connects again and resubscribes.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

var _ domrepo.MarketStream = (*Client)(nil)
