package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/broker"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/joincode"
	"github.com/park285/cheese-lan/internal/peer"
	"github.com/park285/cheese-lan/internal/protocol"
	"github.com/park285/cheese-lan/internal/render"
	"github.com/park285/cheese-lan/internal/session"
	"github.com/park285/cheese-lan/pkg/checkmatedto"
)

const (
	CodeSessionActive = "session_active"
	CodeBadRequest    = "bad_request"
)

// hostTarget is what a guest needs to dial the host again.
type hostTarget struct {
	addr     netip.AddrPort
	joinCode string
	username string
}

// Controller runs at most one match at a time and is what a UI talks to.
type Controller struct {
	deps *Deps
	log  *zap.Logger

	mu       sync.Mutex
	sess     *session.Session
	broker   *broker.Broker
	hosting  *broker.Hosting
	target   *hostTarget
	lastMove *board.Move
	lastErr  error
	stop     context.CancelFunc
	loopDone chan struct{}

	unsubscribe func()
	forwardDone chan struct{}
}

func NewController(d *Deps) *Controller {
	c := &Controller{deps: d, log: d.Logger.Named("app")}
	ch, cancel := d.Events.Subscribe(64)
	c.unsubscribe = cancel
	c.forwardDone = make(chan struct{})
	go c.forward(ch)
	return c
}

// Close ends any running match and stops background work.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Exit(ctx)
	c.unsubscribe()
	<-c.forwardDone
	return err
}

// forward tracks the last move and relays status changes to the webhook.
func (c *Controller) forward(ch <-chan session.Event) {
	defer close(c.forwardDone)
	for ev := range ch {
		switch ev.Kind {
		case session.EventBoard:
			if ev.Move != nil {
				mv := ev.Move.Move
				c.mu.Lock()
				if c.sess != nil && c.sess.ID() == ev.SessionID {
					c.lastMove = &mv
				}
				c.mu.Unlock()
			}
		case session.EventStatus:
			if c.deps.Notifier != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = c.deps.Notifier.NotifyStatus(ctx, ev)
				cancel()
			}
		}
	}
}

func (c *Controller) peerConfig() peer.Config {
	return peer.Config{
		HeartbeatInterval: c.deps.Config.HeartbeatInterval,
		HeartbeatTimeout:  c.deps.Config.HeartbeatTimeout,
		Logger:            c.deps.Logger.Named("peer"),
	}
}

func (c *Controller) sessionConfig() session.Config {
	return session.Config{
		AckTimeout: c.deps.Config.AckTimeout,
		Store:      c.deps.Store,
		Publisher:  c.deps.Events,
		Logger:     c.deps.Logger.Named("session"),
		OnFinish:   c.deps.onFinish,
	}
}

// activeLocked reports whether a match or a hosting offer is still open.
func (c *Controller) activeLocked() bool {
	if c.broker != nil {
		return true
	}
	return c.sess != nil && c.sess.Snapshot().Status != session.StatusIdle
}

func sessionActive() error {
	return gameerr.User(CodeSessionActive, "a match is already running")
}

// HostGame opens a hosting offer and accepts the guest in the background.
func (c *Controller) HostGame(ctx context.Context, username string) (broker.Hosting, error) {
	if err := ctx.Err(); err != nil {
		return broker.Hosting{}, err
	}
	cfg := c.deps.Config
	rules, err := board.Lookup(cfg.Rules)
	if err != nil {
		return broker.Hosting{}, gameerr.User(CodeBadRequest, err.Error())
	}
	var advertise netip.Addr
	if s := strings.TrimSpace(cfg.Advertise); s != "" {
		if advertise, err = netip.ParseAddr(s); err != nil {
			return broker.Hosting{}, gameerr.User(joincode.CodeMalformedAddress, err.Error())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeLocked() {
		return broker.Hosting{}, sessionActive()
	}
	b := broker.New(broker.Config{
		BindAddr:         cfg.ListenAddr(),
		Advertise:        advertise,
		Rules:            rules,
		HostColor:        cfg.HostColor,
		CodeBytes:        cfg.CodeBytes,
		AcceptTimeout:    cfg.AcceptTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Peer:             c.peerConfig(),
		Logger:           c.deps.Logger.Named("broker"),
	})
	h, err := b.StartHosting(username)
	if err != nil {
		return broker.Hosting{}, err
	}
	c.reset()
	c.broker = b
	c.hosting = &h

	loopCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.loopDone = make(chan struct{})
	go c.acceptLoop(loopCtx, b, c.loopDone)
	return h, nil
}

// acceptLoop hands the first guest a new session and later resume handshakes to it.
func (c *Controller) acceptLoop(ctx context.Context, b *broker.Broker, done chan struct{}) {
	defer close(done)
	for {
		acc, err := b.AcceptConnection(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, peer.ErrListenerClosed) || gameerr.CodeOf(err) == broker.CodeNotHosting {
				return
			}
			c.mu.Lock()
			started := c.sess != nil
			c.mu.Unlock()
			if gameerr.CodeOf(err) == broker.CodeAcceptTimeout {
				if started {
					continue
				}
				c.fail(err)
				c.mu.Lock()
				if c.broker == b {
					c.broker = nil
					c.hosting = nil
				}
				c.mu.Unlock()
				_ = b.Close()
				return
			}
			c.fail(err)
			continue
		}

		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if acc.Resume != nil {
			if sess == nil {
				_ = acc.Conn.Close()
				continue
			}
			if err := sess.Resume(ctx, acc.Conn, *acc.Resume); err != nil {
				c.fail(err)
			}
			continue
		}
		sess, err = session.New(acc.Match, acc.Conn, c.sessionConfig())
		if err != nil {
			_ = acc.Conn.Close()
			c.fail(err)
			continue
		}
		c.mu.Lock()
		c.sess = sess
		c.lastErr = nil
		c.mu.Unlock()
		b.Track(sess)
	}
}

// fail records err as the last error and pushes it to subscribers.
func (c *Controller) fail(err error) {
	c.log.Warn("app_error", zap.String("code", gameerr.CodeOf(err)), zap.Error(err))
	c.mu.Lock()
	c.lastErr = err
	sid := ""
	if c.sess != nil {
		sid = c.sess.ID()
	} else if c.hosting != nil {
		sid = c.hosting.SessionID
	}
	c.mu.Unlock()
	c.deps.Events.Publish(session.Event{
		Kind:      session.EventError,
		SessionID: sid,
		Code:      gameerr.CodeOf(err),
		Error:     err.Error(),
		At:        time.Now(),
	})
}

// Regenerate rolls a new join code while nobody has joined.
func (c *Controller) Regenerate() (broker.Hosting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broker == nil {
		return broker.Hosting{}, gameerr.User(broker.CodeNotHosting, "not hosting")
	}
	h, err := c.broker.Regenerate()
	if err != nil {
		return broker.Hosting{}, err
	}
	c.hosting = &h
	return h, nil
}

// JoinGame connects to a host by ticket or by address plus join code.
func (c *Controller) JoinGame(ctx context.Context, req checkmatedto.JoinRequest) (session.State, error) {
	target, err := resolveTarget(req)
	if err != nil {
		return session.State{}, err
	}
	c.mu.Lock()
	busy := c.activeLocked()
	c.mu.Unlock()
	if busy {
		return session.State{}, sessionActive()
	}

	j, err := broker.Join(ctx, broker.JoinRequest{
		Addr:     target.addr,
		JoinCode: target.joinCode,
		Username: target.username,
	}, c.joinConfig())
	if err != nil {
		c.remember(err)
		return session.State{}, err
	}
	sess, err := session.New(j.Match, j.Conn, c.sessionConfig())
	if err != nil {
		_ = j.Conn.Close()
		return session.State{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeLocked() {
		_ = sess.Exit(ctx)
		return session.State{}, sessionActive()
	}
	c.reset()
	c.sess = sess
	c.target = &target
	return sess.Snapshot(), nil
}

func (c *Controller) joinConfig() broker.JoinConfig {
	return broker.JoinConfig{
		CodeBytes:        c.deps.Config.CodeBytes,
		HandshakeTimeout: c.deps.Config.HandshakeTimeout,
		Peer:             c.peerConfig(),
		Logger:           c.deps.Logger.Named("broker"),
	}
}

func resolveTarget(req checkmatedto.JoinRequest) (hostTarget, error) {
	t := hostTarget{username: req.Username}
	if ticket := strings.TrimSpace(req.Ticket); ticket != "" {
		addr, code, err := joincode.DecodeTicket(ticket)
		if err != nil {
			return hostTarget{}, err
		}
		t.addr, t.joinCode = addr, code
		return t, nil
	}
	addr, err := joincode.ParseAddress(req.Address)
	if err != nil {
		return hostTarget{}, err
	}
	t.addr, t.joinCode = addr, req.JoinCode
	return t, nil
}

func (c *Controller) current() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, gameerr.User(session.CodeNotInGame, "no match in progress")
	}
	return c.sess, nil
}

// SubmitMove parses square names and plays the move as the local player.
func (c *Controller) SubmitMove(ctx context.Context, req checkmatedto.MoveRequest) error {
	mv, err := ParseMove(req)
	if err != nil {
		return err
	}
	sess, err := c.current()
	if err != nil {
		return err
	}
	err = sess.SubmitLocalMove(ctx, mv)
	c.remember(err)
	return err
}

// ParseMove turns a move request into a board move.
func ParseMove(req checkmatedto.MoveRequest) (board.Move, error) {
	from, err := board.ParseSquare(strings.ToLower(strings.TrimSpace(req.From)))
	if err != nil {
		return board.Move{}, gameerr.User(CodeBadRequest, fmt.Sprintf("bad from square %q", req.From))
	}
	to, err := board.ParseSquare(strings.ToLower(strings.TrimSpace(req.To)))
	if err != nil {
		return board.Move{}, gameerr.User(CodeBadRequest, fmt.Sprintf("bad to square %q", req.To))
	}
	mv := board.Move{From: from, To: to}
	if p := strings.ToLower(strings.TrimSpace(req.Promotion)); p != "" {
		switch k := board.Kind(p); k {
		case board.Queen, board.Rook, board.Bishop, board.Knight:
			mv.Promotion = k
		default:
			return board.Move{}, gameerr.User(CodeBadRequest, fmt.Sprintf("bad promotion %q", req.Promotion))
		}
	}
	return mv, nil
}

func (c *Controller) Resign(ctx context.Context) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	err = sess.Resign(ctx)
	c.remember(err)
	return err
}

// OfferDraw proposes a draw to the peer.
func (c *Controller) OfferDraw(ctx context.Context) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	err = sess.OfferDraw(ctx)
	c.remember(err)
	return err
}

// AnswerDraw accepts or declines the peer's open draw offer.
func (c *Controller) AnswerDraw(ctx context.Context, accept bool) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	err = sess.AnswerDraw(ctx, accept)
	c.remember(err)
	return err
}

// Draw runs a draw request from the UI: offer, accept or decline.
func (c *Controller) Draw(ctx context.Context, req checkmatedto.DrawRequest) error {
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case checkmatedto.DrawOffer:
		return c.OfferDraw(ctx)
	case checkmatedto.DrawAccept:
		return c.AnswerDraw(ctx, true)
	case checkmatedto.DrawDecline:
		return c.AnswerDraw(ctx, false)
	default:
		return gameerr.User(CodeBadRequest, fmt.Sprintf("unknown draw action %q", req.Action))
	}
}

// RequestResync compares boards with the peer.
func (c *Controller) RequestResync(ctx context.Context) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	err = sess.RequestResync(ctx)
	c.remember(err)
	return err
}

// Exit leaves the match, stops hosting and forgets everything.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	sess, b, stop, done := c.sess, c.broker, c.stop, c.loopDone
	c.sess, c.broker, c.hosting, c.target, c.stop, c.loopDone = nil, nil, nil, nil, nil, nil
	c.lastMove, c.lastErr = nil, nil
	c.mu.Unlock()

	var errs []error
	if stop != nil {
		stop()
	}
	if b != nil {
		errs = append(errs, b.Close())
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if sess != nil {
		if err := sess.Exit(ctx); err != nil && !errors.Is(err, session.ErrEnded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resume reconnects a Disconnected match. A guest dials the host again with the same
// session ID; a host keeps listening and resumes when the guest comes back.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	sess, target := c.sess, c.target
	c.mu.Unlock()
	if sess == nil {
		return gameerr.User(session.CodeNotInGame, "no match in progress")
	}
	if sess.Role() == protocol.RoleHost {
		return nil
	}
	if target == nil {
		return gameerr.User(session.CodeNotInGame, "no host to reconnect to")
	}
	j, err := broker.Join(ctx, broker.JoinRequest{
		Addr:     target.addr,
		JoinCode: target.joinCode,
		Username: target.username,
		Resume:   &broker.ResumeRequest{SessionID: sess.ID(), Progress: sess.Progress()},
	}, c.joinConfig())
	if err != nil {
		c.remember(err)
		return err
	}
	err = sess.Resume(ctx, j.Conn, *j.Remote)
	c.remember(err)
	return err
}

func (c *Controller) remember(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// reset clears per-match fields. Callers hold mu.
func (c *Controller) reset() {
	c.sess, c.hosting, c.target, c.lastMove, c.lastErr = nil, nil, nil, nil, nil
}

// Subscribe streams session events until cancel is called.
func (c *Controller) Subscribe(buffer int) (<-chan session.Event, func()) {
	return c.deps.Events.Subscribe(buffer)
}

// Hosting returns the open hosting offer, if any.
func (c *Controller) Hosting() (broker.Hosting, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hosting == nil {
		return broker.Hosting{}, false
	}
	return *c.hosting, true
}

// State is the UI view of the current match.
func (c *Controller) State() checkmatedto.SessionState {
	c.mu.Lock()
	sess, hosting, lastMove, lastErr := c.sess, c.hosting, c.lastMove, c.lastErr
	c.mu.Unlock()

	out := checkmatedto.SessionState{Status: string(session.StatusIdle), Board: map[string]checkmatedto.Piece{}}
	if hosting != nil {
		out.Hosting = true
		out.SessionID = hosting.SessionID
		out.JoinCode = hosting.JoinCode
		out.Ticket = hosting.Ticket
		out.Address = hosting.Addr.String()
		out.Rules = hosting.Rules
		out.Role = string(protocol.RoleHost)
		out.LocalColor = hosting.HostColor.String()
		out.Players.Local = hosting.Username
		out.Message = c.render("hosting.ready", map[string]any{
			"Username": hosting.Username, "JoinCode": hosting.JoinCode, "Addr": out.Address,
		})
	}
	if sess != nil {
		st := sess.Snapshot()
		fillState(&out, st)
		if lastMove != nil {
			out.LastMove = moveDTO(*lastMove)
		}
		out.Message = c.statusMessage(st)
		if lastErr == nil {
			lastErr = st.LastError
		}
	}
	if lastErr != nil {
		out.Error = c.ErrorDTO(lastErr)
	}
	return out
}

func (c *Controller) statusMessage(st session.State) string {
	cat := c.deps.Catalog
	switch {
	case cat == nil:
		return ""
	case st.Status == session.StatusGameOver && st.Outcome != nil:
		return cat.Outcome(st.Outcome.Winner.String(), st.Outcome.Reason)
	case st.Draw != session.DrawNone && st.Status.InGame():
		return cat.Draw(string(st.Draw), st.Players.Remote)
	}
	return cat.Status(string(st.Status), st.Players.Local, st.Players.Remote)
}

func (c *Controller) render(key string, data any) string {
	if c.deps.Catalog == nil {
		return ""
	}
	s, err := c.deps.Catalog.Render(key, data)
	if err != nil {
		c.log.Debug("app_message_missing", zap.String("key", key), zap.Error(err))
		return ""
	}
	return s
}

// ErrorDTO describes err for the UI with catalog text.
func (c *Controller) ErrorDTO(err error) *checkmatedto.Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if c.deps.Catalog != nil {
		msg = c.deps.Catalog.ErrorText(err)
	}
	return &checkmatedto.Error{Kind: string(gameerr.KindOf(err)), Code: gameerr.CodeOf(err), Message: msg}
}

// RenderBoard draws the current board from the local player's side.
func (c *Controller) RenderBoard(ctx context.Context, squareSize int) ([]byte, error) {
	c.mu.Lock()
	sess, lastMove := c.sess, c.lastMove
	c.mu.Unlock()
	if sess == nil {
		return nil, gameerr.User(session.CodeNotInGame, "no match in progress")
	}
	st := sess.Snapshot()
	header := fmt.Sprintf("%s (%s) vs %s", st.Players.Local, st.LocalColor, st.Players.Remote)
	return render.PNG(ctx, st.Board, render.Options{
		SquareSize:  squareSize,
		Perspective: st.LocalColor,
		Highlight:   lastMove,
		Header:      header,
	})
}
