package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
)

// ErrReconnectExhausted is returned when the client gives up
// reconnecting.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ClientConfig holds sync client configuration.
type ClientConfig struct {
	// URL is the full websocket endpoint, e.g.
	// ws://host:port/ws/sync/script-1.
	URL string

	// Token is an optional bearer credential appended as a query
	// parameter.
	Token string

	// InitialBackoff is the first reconnect delay (default 1s).
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling delay (default 30s).
	MaxBackoff time.Duration

	// MaxAttempts bounds consecutive failed reconnects (default 10).
	MaxAttempts int

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:            url,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    10,
		Logger:         log.New(os.Stderr, "[sync-client] ", log.LstdFlags),
	}
}

// Client maintains a websocket session to the gateway, answering
// heartbeats and reconnecting with exponential backoff when the
// connection drops.
type Client struct {
	config *ClientConfig
	logger *log.Logger

	messages chan *Envelope
	outbound chan *Envelope
}

// NewClient creates a client. Use Run to connect.
func NewClient(config *ClientConfig) *Client {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync-client] ", log.LstdFlags)
	}
	return &Client{
		config:   config,
		logger:   config.Logger,
		messages: make(chan *Envelope, 64),
		outbound: make(chan *Envelope, 16),
	}
}

// Messages returns the inbound message stream. Pings are answered
// internally and not delivered here.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Send queues a message for the server. Queued messages survive a
// reconnect.
func (c *Client) Send(env *Envelope) {
	c.outbound <- env
}

// Run connects and serves the session until ctx is cancelled or
// reconnection is exhausted. A successfully established connection
// resets the backoff schedule.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.InitialBackoff
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		established, err := c.serveOnce(ctx)
		if err == nil || ctx.Err() != nil {
			close(c.messages)
			return ctx.Err()
		}

		// A session that got as far as receiving a server frame counts
		// as established: the next outage starts a fresh schedule.
		if established {
			attempts = 0
			backoff = c.config.InitialBackoff
		}

		attempts++
		if attempts >= c.config.MaxAttempts {
			close(c.messages)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)
		}

		c.logger.Printf("Connection lost (%v); reconnecting in %s (attempt %d/%d)",
			err, backoff, attempts, c.config.MaxAttempts)

		select {
		case <-ctx.Done():
			close(c.messages)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = NextBackoff(backoff, c.config.MaxBackoff)
	}
}

// serveOnce dials and serves one connection. Returns a nil error only
// on a clean server-initiated close; established reports whether the
// session got far enough to receive a frame from the server.
func (c *Client) serveOnce(ctx context.Context) (established bool, _ error) {
	url := c.config.URL
	if c.config.Token != "" {
		url += "?token=" + c.config.Token
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer ws.CloseNow()

	c.logger.Printf("Connected to %s", c.config.URL)

	// Writer: queued outbound messages.
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case env := <-c.outbound:
				data, err := json.Marshal(env)
				if err != nil {
					c.logger.Printf("Failed to marshal outbound message: %v", err)
					continue
				}
				if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			return established, fmt.Errorf("write failed: %w", err)
		default:
		}

		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return established, nil
			}
			return established, fmt.Errorf("read failed: %w", err)
		}
		established = true

		env, err := parseEnvelope(data)
		if err != nil {
			c.logger.Printf("Dropping malformed server frame: %v", err)
			continue
		}

		// Heartbeats are answered via the writer goroutine, transparently
		// to the consumer.
		if env.Type == MsgPing {
			select {
			case c.outbound <- pongEnvelope(env.Timestamp):
			default:
				c.logger.Println("Warning: outbound queue full, pong dropped")
			}
			continue
		}

		select {
		case c.messages <- env:
		default:
			c.logger.Println("Warning: message buffer full, dropping frame")
		}
	}
}

// NextBackoff doubles a delay up to the cap.
func NextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
