// Package ami maintains a persistent session to the Asterisk Manager
// Interface and exposes the live call event stream.
package ami

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pbxlink/pbxlink/internal/backoff"
)

// State represents the AMI connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	dialTimeout  = 10 * time.Second
	loginTimeout = 10 * time.Second

	// eventBuffer bounds the in-flight event queue between the reader and
	// the tracker. Overflow is logged, never silent.
	eventBuffer = 256

	reconnectBase = 5 * time.Second
	reconnectMax  = 5 * time.Minute

	// stableUptime is how long a connection must survive before the
	// reconnect backoff resets.
	stableUptime = time.Minute
)

// Config holds AMI connection parameters.
type Config struct {
	Host         string
	Port         int
	Username     string
	Secret       string
	Auth         string // "plain" or "md5"
	PingInterval time.Duration
}

// Client maintains the AMI session with auto-reconnect. Events received
// while connected are delivered on the Events channel. The manager
// protocol has no replay, so events during a disconnect window are lost.
type Client struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	// dialFunc is overridable in tests.
	dialFunc func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.RWMutex
	state   State
	lastErr string
	upSince time.Time
}

// NewClient creates an AMI client. Run must be called to connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("subsystem", "ami"),
		events: make(chan Event, eventBuffer),
		dialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		},
		state: StateDisconnected,
	}
}

// Events returns the live event stream. The channel is never closed; it
// simply goes quiet while the client reconnects.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Status returns the connection state and the last connection error.
func (c *Client) Status() (State, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.lastErr
}

// Connected reports whether the AMI session is currently established.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

// Run connects to the AMI and keeps the session alive, reconnecting with
// jittered exponential backoff on drop. It returns when ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	bo := backoff.New(reconnectBase, reconnectMax)

	for {
		c.setState(StateConnecting, "")
		started := time.Now()

		err := c.runOnce(ctx, addr)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}

		// A session that stayed up is a fresh failure, not a retry streak.
		if time.Since(started) > stableUptime {
			bo.Reset()
		}

		retryDelay := bo.Next()
		c.setState(StateDisconnected, err.Error())
		c.logger.Error("ami connection lost",
			"addr", addr,
			"error", err,
			"attempt", bo.Attempt,
			"retry_in", retryDelay.String(),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// runOnce dials, logs in and pumps events until the connection fails or
// ctx is canceled.
func (c *Client) runOnce(ctx context.Context, addr string) error {
	conn, err := c.dialFunc(ctx, addr)
	if err != nil {
		return fmt.Errorf("dialing ami: %w", err)
	}
	defer conn.Close()

	// Unblock reads on shutdown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(loginTimeout))
	banner, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading ami banner: %w", err)
	}
	if !strings.Contains(banner, "Asterisk Call Manager") {
		return fmt.Errorf("unexpected ami banner %q", strings.TrimSpace(banner))
	}

	if err := c.login(conn, reader); err != nil {
		return err
	}

	c.setState(StateConnected, "")
	c.logger.Info("ami connected", "addr", addr, "banner", strings.TrimSpace(banner))

	// Keepalive pings. Ping responses surface in the read loop and are
	// discarded there; a dead peer is detected by the read deadline.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := writeAction(conn, "Ping", nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	readTimeout := 3 * c.cfg.PingInterval
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := readFrame(reader)
		if err != nil {
			return fmt.Errorf("reading ami frame: %w", err)
		}

		if frame.Name() == "" {
			// Action response (ping ack, login echo). Nothing to route.
			continue
		}

		select {
		case c.events <- frame:
		default:
			c.logger.Warn("ami event buffer full, dropping event",
				"event", frame.Name(),
				"uniqueid", frame.Get("Uniqueid"),
			)
		}
	}
}

// login authenticates the session using the configured scheme. The md5
// scheme requests a challenge and sends md5(challenge + secret) so the
// secret never crosses the wire.
func (c *Client) login(conn net.Conn, reader *bufio.Reader) error {
	conn.SetReadDeadline(time.Now().Add(loginTimeout))

	if c.cfg.Auth == "md5" {
		if err := writeAction(conn, "Challenge", map[string]string{"AuthType": "MD5"}); err != nil {
			return err
		}
		resp, err := c.awaitResponse(reader)
		if err != nil {
			return fmt.Errorf("reading challenge response: %w", err)
		}
		challenge := resp.Get("Challenge")
		if !resp.Success() || challenge == "" {
			return fmt.Errorf("ami challenge rejected: %s", resp.Get("Message"))
		}

		sum := md5.Sum([]byte(challenge + c.cfg.Secret))
		err = writeAction(conn, "Login", map[string]string{
			"AuthType": "MD5",
			"Username": c.cfg.Username,
			"Key":      hex.EncodeToString(sum[:]),
		})
		if err != nil {
			return err
		}
	} else {
		err := writeAction(conn, "Login", map[string]string{
			"Username": c.cfg.Username,
			"Secret":   c.cfg.Secret,
		})
		if err != nil {
			return err
		}
	}

	resp, err := c.awaitResponse(reader)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("ami login failed: %s", resp.Get("Message"))
	}
	return nil
}

// awaitResponse reads frames until an action response arrives, discarding
// any events Asterisk interleaves during login.
func (c *Client) awaitResponse(reader *bufio.Reader) (Event, error) {
	for {
		frame, err := readFrame(reader)
		if err != nil {
			return nil, err
		}
		if frame.IsResponse() {
			return frame, nil
		}
	}
}

func (c *Client) setState(state State, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.lastErr = lastErr
	if state == StateConnected {
		c.upSince = time.Now()
	}
}
