// Package agent talks to the script agent running next to the domain
// controllers.
//
// The agent executes scripts (home directory provisioning, mailbox
// enablement and similar) that cannot be expressed as LDAP modifications.
// Requests and replies are wire envelopes; one request is in flight per
// connection.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/adsync/config"
	adsyncerrors "github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/wire"
)

var log = logging.Component("agent")

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed = errors.New("agent client is closed")
	ErrNoAddress    = errors.New("agent address not configured")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr           string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration

	// RequestTimeout bounds one script execution
	RequestTimeout time.Duration

	MaxMessageSize int
}

// Client runs scripts on the agent. It dials lazily and redials after a
// transport error. It implements ldapdir.ScriptRunner.
type Client struct {
	cfg       Config
	tlsConfig *tls.Config

	// Connection - protected by mu
	mu     sync.Mutex
	conn   net.Conn
	wire   *wire.Conn
	closed bool

	requestID atomic.Uint64
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultDirectoryTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultAgentTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}

	c := &Client{cfg: cfg}
	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}
	return c
}

// NewWithConn creates a client on an established connection. The client
// cannot redial once conn breaks.
func NewWithConn(conn net.Conn, cfg Config) *Client {
	c := New(cfg)
	c.conn = conn
	c.wire = wire.NewConn(conn, c.cfg.MaxMessageSize)
	return c
}

// Run executes the script at path with params and waits for its result.
func (c *Client) Run(ctx context.Context, path string, params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	id := c.requestID.Add(1)
	logger := logging.FromContext(ctx, log).With("script", path, "request_id", id)

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		conn.SetDeadline(time.Time{})
	}()

	start := time.Now()
	if err := c.wire.Write(wire.NewRun(id, path, params)); err != nil {
		return c.failLocked(ctx, path, err)
	}

	for {
		env, err := c.wire.Read()
		if err != nil {
			return c.failLocked(ctx, path, err)
		}
		if env.ID != id {
			// reply to a request abandoned earlier on this connection
			logger.Debug("discarding stale reply", "reply_id", env.ID)
			continue
		}
		if err := env.Err(); err != nil {
			logger.Warn("script failed", "error", err, "elapsed", time.Since(start))
			return fmt.Errorf("script %s: %w", path, err)
		}
		logger.Debug("script done", "elapsed", time.Since(start))
		return nil
	}
}

// connectLocked dials if there is no connection. Caller holds c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if c.cfg.Addr == "" {
		return ErrNoAddress
	}

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	var (
		conn net.Conn
		err  error
	)
	if c.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", c.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("dial agent %s: %v: %w", c.cfg.Addr, err, adsyncerrors.ErrConnectionFailed)
	}

	log.Debug("connected", "addr", c.cfg.Addr)
	c.conn = conn
	c.wire = wire.NewConn(conn, c.cfg.MaxMessageSize)
	return nil
}

// failLocked drops the connection after an I/O error. The request may or
// may not have run on the agent. Caller holds c.mu.
func (c *Client) failLocked(ctx context.Context, path string, err error) error {
	c.conn.Close()
	c.conn = nil
	c.wire = nil

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("script %s: %w", path, ctxErr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("script %s: %v: %w", path, err, adsyncerrors.ErrTimeout)
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("script %s: %v: %w", path, err, adsyncerrors.ErrTransport)
}

// Close closes the connection. Run fails afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.wire = nil
	return err
}
