// Package peer is the reliable, ordered message transport between the two players:
// one websocket over TCP carrying JSON envelopes, with heartbeat-based loss detection.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/protocol"
)

// Network error codes.
const (
	CodeUnreachable      = "unreachable"
	CodeConnectionLost   = "connection_lost"
	CodePeerClosed       = "peer_closed"
	CodeHeartbeatTimeout = "heartbeat_timeout"
	CodeSendFailed       = "send_failed"
)

// ErrClosed is returned by Receive and Send after a local Close.
var ErrClosed = errors.New("peer: connection closed")

// Config tunes heartbeat behaviour.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Conn is one live PeerConnection. Send is safe for concurrent use; Receive is meant
// for a single consumer.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	log    *zap.Logger
	remote string

	sendMu sync.Mutex
	inbox  chan protocol.Envelope

	lastSeen atomic.Int64
	rtt      atomic.Int64
	hbSeq    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

func newConn(ws *websocket.Conn, remote string, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("remote", remote)),
		remote: remote,
		inbox:  make(chan protocol.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// handshake frames can exceed the default 32KiB when a resume carries a board
	ws.SetReadLimit(1 << 20)
	c.touch()
	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

func (c *Conn) RemoteAddr() string { return c.remote }

// Latency is the last measured websocket ping round trip, zero before the first one.
func (c *Conn) Latency() time.Duration { return time.Duration(c.rtt.Load()) }

// Done is closed once the connection is gone, for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: ErrClosed after Close, a NetworkError or
// ProtocolError otherwise. Nil while the connection is live.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Send frames and writes env. Frames leave in call order.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, env); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		nerr := gameerr.Network(CodeSendFailed, err)
		c.fail(nerr)
		return nerr
	}
	return nil
}

// Receive returns the next inbound envelope. Frames already received are still
// delivered after the connection ends; then the terminal error is returned.
func (c *Conn) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-c.inbox:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		select {
		case env := <-c.inbox:
			return env, nil
		default:
		}
		return protocol.Envelope{}, c.Err()
	}
}

// Messages is Receive as a lazy sequence. It stops quietly after a local Close or
// context cancellation and yields the error once for any other ending.
func (c *Conn) Messages(ctx context.Context) iter.Seq2[protocol.Envelope, error] {
	return func(yield func(protocol.Envelope, error) bool) {
		for {
			env, err := c.Receive(ctx)
			if err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				yield(protocol.Envelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

// Close shuts the transport down and waits for the background loops. Safe to call
// more than once.
func (c *Conn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.setErr(ErrClosed)
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
	})
	c.wg.Wait()
	if first {
		c.log.Debug("peer_closed_local")
	}
	return nil
}

// CloseNow drops the socket without waiting for the peer's close frame.
func (c *Conn) CloseNow() error {
	c.closeOnce.Do(func() {
		c.setErr(ErrClosed)
		close(c.done)
		c.cancel()
		_ = c.ws.CloseNow()
		c.log.Debug("peer_closed_now")
	})
	c.wg.Wait()
	return nil
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// fail tears the connection down from inside the loops without waiting on them.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.setErr(err)
		close(c.done)
		c.cancel()
		_ = c.ws.CloseNow()
		c.log.Warn("peer_connection_failed", zap.Error(err))
	})
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(c.ctx, c.ws, &env); err != nil {
			switch {
			case c.isStopping():
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway:
				c.fail(gameerr.Network(CodePeerClosed, err))
			case websocket.CloseStatus(err) == -1 && isDecodeError(err):
				c.fail(gameerr.ProtocolWrap(protocol.CodeMalformed, err))
			default:
				c.fail(gameerr.Network(CodeConnectionLost, err))
			}
			return
		}
		c.touch()
		if env.Type == protocol.TypeHeartbeat {
			continue
		}
		select {
		case c.inbox <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		if since := time.Since(time.Unix(0, c.lastSeen.Load())); since > c.cfg.HeartbeatTimeout {
			c.fail(gameerr.Network(CodeHeartbeatTimeout, errors.New("no traffic for "+since.Truncate(time.Millisecond).String())))
			return
		}
		env, err := protocol.New(protocol.TypeHeartbeat, "", "", protocol.Heartbeat{Seq: c.hbSeq.Add(1)}, time.Now())
		if err == nil {
			sendCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatInterval)
			_ = c.Send(sendCtx, env)
			cancel()
		}

		pingCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
		start := time.Now()
		err = c.ws.Ping(pingCtx)
		cancel()
		if err != nil {
			if c.isStopping() {
				return
			}
			consecutivePingFailures++
			c.log.Debug("peer_ping_failed", zap.Int("consecutive", consecutivePingFailures), zap.Error(err))
			continue
		}
		consecutivePingFailures = 0
		c.rtt.Store(int64(time.Since(start)))
		c.touch()
	}
}

func (c *Conn) isStopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func isDecodeError(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	var perr *time.ParseError
	return errors.As(err, &syn) || errors.As(err, &typ) || errors.As(err, &perr)
}
