package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/pkg/protocol"
)

var ErrNotReady = errors.New("connection not ready")
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

// wsConn is the slice of *websocket.Conn the manager needs; tests substitute
// a fake.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn owns the single logical websocket for one (join code, role instance)
// pair. On open it marks itself ready and announces the role instance with a
// users/join frame; on unexpected close it goes not-ready, invalidates the
// router generation, and reconnects with capped exponential backoff. While
// not ready every outbound send is rejected - callers check readiness, there
// is no queueing.
type Conn struct {
	baseURL        string
	joinCode       string
	self           protocol.RoleInstance
	router         *Router
	log            *zap.Logger
	initialBackoff time.Duration
	maxRetries     uint64

	dial func(ctx context.Context) (wsConn, error)

	mu      sync.Mutex
	ws      wsConn
	ready   bool
	onReady []func()
	onDown  []func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

type ConnOptions struct {
	// BaseURL is the http(s) origin of the coordination server.
	BaseURL  string
	JoinCode string
	// Self is the role instance this client is bound to.
	Self   protocol.RoleInstance
	Logger *zap.Logger
	// InitialBackoff is the first reconnect delay; it doubles per attempt.
	InitialBackoff time.Duration
	// MaxRetries caps reconnect attempts before the connection hard-fails.
	MaxRetries uint64
}

func NewConn(opts ConnOptions, router *Router) (*Conn, error) {
	if opts.BaseURL == "" || opts.JoinCode == "" {
		return nil, errors.New("base url and join code are required")
	}
	if opts.Self.ID == 0 {
		return nil, errors.New("role instance is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}

	c := &Conn{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		joinCode:       opts.JoinCode,
		self:           opts.Self,
		router:         router,
		log:            opts.Logger,
		initialBackoff: opts.InitialBackoff,
		maxRetries:     opts.MaxRetries,
		closed:         make(chan struct{}),
	}
	c.dial = c.dialWebsocket
	return c, nil
}

func (c *Conn) wsURL() string {
	u := c.baseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("code", c.joinCode)
	q.Set("role_instance", strconv.FormatUint(uint64(c.self.ID), 10))
	return u + "/ws?" + q.Encode()
}

func (c *Conn) dialWebsocket(ctx context.Context) (wsConn, error) {
	ws, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// OnReady registers an observer fired after every successful (re)connect,
// once the join announcement is out. Dependent components use it to
// re-subscribe and re-run their setup.
func (c *Conn) OnReady(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = append(c.onReady, fn)
}

// OnDown registers an observer fired when the connection is lost. The error
// is nil while reconnection is still being attempted and ErrReconnectFailed
// once retries are exhausted - at that point the UI surfaces a hard failure.
func (c *Conn) OnDown(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDown = append(c.onDown, fn)
}

func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connect dials the server and starts the read loop. It returns once the
// first connection attempt concludes; reconnects happen in the background.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Conn) connectOnce(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.ready = true
	readyFns := append([]func(){}, c.onReady...)
	c.mu.Unlock()

	// Announce presence so peers update their rosters without a separate
	// presence protocol.
	if err := c.write(ctx, protocol.JoinFrame(c.self)); err != nil {
		c.log.Warn("join announcement failed", zap.Error(err))
	}

	for _, fn := range readyFns {
		fn()
	}

	go c.readLoop(ctx, ws)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws wsConn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure:
				return
			}
			c.handleDisconnect(ctx, err)
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		c.router.Dispatch(f)
	}
}

func (c *Conn) handleDisconnect(ctx context.Context, cause error) {
	c.mu.Lock()
	c.ready = false
	c.ws = nil
	downFns := append([]func(error){}, c.onDown...)
	c.mu.Unlock()

	// Disposing the old generation clears every handler registration made
	// against the dead socket.
	c.router.advanceGeneration()

	c.log.Info("connection lost, reconnecting", zap.Error(cause))
	for _, fn := range downFns {
		fn(nil)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		select {
		case <-c.closed:
			return backoff.Permanent(errors.New("connection closed"))
		default:
		}
		return c.connectOnce(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))

	if err != nil {
		c.log.Error("reconnect abandoned", zap.Error(err))
		c.mu.Lock()
		downFns = append([]func(error){}, c.onDown...)
		c.mu.Unlock()
		for _, fn := range downFns {
			fn(fmt.Errorf("%w: %v", ErrReconnectFailed, err))
		}
	}
}

// Send writes one frame. It fails fast with ErrNotReady while the connection
// is down; the caller decides whether the action is worth retrying once the
// connection is ready again.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	return c.write(ctx, f)
}

func (c *Conn) write(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	ws, ready := c.ws, c.ready
	c.mu.Unlock()

	if !ready || ws == nil {
		return ErrNotReady
	}

	payload, _ := json.Marshal(f)
	writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, payload)
}

// Close tears the connection down for good; no reconnect is attempted.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		ws := c.ws
		c.ready = false
		c.ws = nil
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
		}
	})
}
