package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-lan/internal/gameerr"
)

// Path is the websocket endpoint a guest dials.
const Path = "/peer"

// HealthPath answers 200 while the listener is up.
const HealthPath = "/healthz"

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("peer: listener closed")

// Listener is the host's listening endpoint. Each upgraded websocket is handed to
// exactly one Accept call; connections nobody accepts within the hand-off window are
// dropped.
type Listener struct {
	cfg     Config
	ln      net.Listener
	srv     *http.Server
	pending chan *Conn
	handoff time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	serveErr  chan error
}

// Listen binds addr ("ip:port", port 0 picks one) and starts serving.
func Listen(addr string, handoff time.Duration, cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	if handoff <= 0 {
		handoff = 5 * time.Second
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, gameerr.Network("listen_failed", fmt.Errorf("listen %s: %w", addr, err))
	}
	l := &Listener{
		cfg:      cfg,
		ln:       ln,
		pending:  make(chan *Conn),
		handoff:  handoff,
		closed:   make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, l.handlePeer)
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.serveErr <- err
		}
	}()
	cfg.Logger.Info("peer_listen", zap.String("addr", ln.Addr().String()))
	return l, nil
}

// Addr is the bound address.
func (l *Listener) Addr() netip.AddrPort {
	if ta, ok := l.ln.Addr().(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(l.ln.Addr().String())
	return ap
}

func (l *Listener) handlePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		l.cfg.Logger.Debug("peer_upgrade_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConn(ws, r.RemoteAddr, l.cfg)
	t := time.NewTimer(l.handoff)
	defer t.Stop()
	select {
	case l.pending <- c:
	case <-l.closed:
		_ = c.Close()
		return
	case <-t.C:
		l.cfg.Logger.Debug("peer_handoff_timeout", zap.String("remote", r.RemoteAddr))
		_ = c.Close()
		return
	}
	<-c.Done()
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.pending:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrListenerClosed
	case err := <-l.serveErr:
		return nil, gameerr.Network("listen_failed", err)
	}
}

// Close stops listening. Connections already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

// Dial connects to a host's listener at addr.
func Dial(ctx context.Context, addr netip.AddrPort, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	url := "ws://" + addr.String() + Path
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, gameerr.Network(CodeUnreachable, fmt.Errorf("dial %s: %w", addr, err))
	}
	return newConn(ws, addr.String(), cfg), nil
}
