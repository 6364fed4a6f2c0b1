// Package session is the turn state machine that owns a match: the board, the turn,
// and the peer connection. All mutation happens on one goroutine; callers and the
// connection's receive stream feed it through channels.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/journal"
	"github.com/park285/cheese-lan/internal/protocol"
)

type inbound struct {
	gen uint64
	env protocol.Envelope
	err error
}

// pendingMove is a local move sent but not yet acknowledged.
type pendingMove struct {
	rec      MoveRecord
	env      protocol.Envelope
	result   board.Result
	deadline time.Time
	reply    chan error
}

// Session is the GameSession of one match.
type Session struct {
	match Match
	cfg   Config
	log   *zap.Logger
	key   string

	// owned by the loop goroutine
	model     *board.Model
	status    Status
	transport Transport
	gen       uint64
	readStop  context.CancelFunc
	pending   *pendingMove
	seen      map[string]struct{}
	moves     []MoveRecord
	lastTx    string
	outcome   *Outcome
	lastErr   error
	resync    chan error
	draw      DrawState
	drawPly   int
	latency   time.Duration
	startedAt time.Time

	cmds  chan func()
	inbox chan inbound
	done  chan struct{}
	state atomic.Pointer[State]
}

// New starts a session on an established transport. The handshake is over, so the
// session moves straight from Handshaking to whichever side holds the first turn.
func New(m Match, t Transport, cfg Config) (*Session, error) {
	if m.Rules == nil || m.SessionID == "" || t == nil {
		return nil, errors.New("session: incomplete match")
	}
	if m.LocalColor != board.White && m.LocalColor != board.Black {
		return nil, fmt.Errorf("session: bad local color %q", m.LocalColor)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Store == nil {
		cfg.Store = journal.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Session{
		match:  m,
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("session_id", m.SessionID), zap.String("role", string(m.Role))),
		key:    m.SessionID + ":" + string(m.Role),
		model:  board.NewModel(m.Rules),
		status: StatusHandshaking,
		seen:   make(map[string]struct{}),
		cmds:   make(chan func()),
		inbox:  make(chan inbound, 16),
		done:   make(chan struct{}),
	}
	s.startedAt = cfg.Now()
	s.beginJournal()
	s.attach(t)
	s.setStatus(s.turnStatus())
	s.emit(Event{Kind: EventPlayers, Players: &Players{Local: m.LocalName, Remote: m.RemoteName}})
	s.log.Info("session_start",
		zap.String("local", m.LocalName),
		zap.String("remote", m.RemoteName),
		zap.String("color", m.LocalColor.String()),
		zap.String("rules", m.Rules.Name()))
	go s.loop()
	return s, nil
}

// Snapshot returns the latest published state. It stays readable after the session ends.
func (s *Session) Snapshot() State { return *s.state.Load() }

// Done is closed when the session reaches Idle.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ID() string { return s.match.SessionID }

func (s *Session) Role() protocol.Role { return s.match.Role }

// Progress reports the applied move count and the last transaction ID, as sent in a
// resume handshake.
func (s *Session) Progress() ResumeInfo {
	st := s.Snapshot()
	return ResumeInfo{Plies: st.Plies, LastTx: st.LastTx}
}

// do runs fn on the loop goroutine and returns its error.
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case s.cmds <- func() { res <- fn() }:
	case <-s.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-res
}

// post queues fn without waiting; dropped if the session already ended.
func (s *Session) post(fn func()) {
	go func() {
		select {
		case s.cmds <- fn:
		case <-s.done:
		}
	}()
}

// SubmitLocalMove applies mv, sends it and waits for the peer's acknowledgement.
// Illegal or out-of-turn moves are rejected before anything is sent. Cancelling ctx
// while the acknowledgement is outstanding tears the session down to Idle.
func (s *Session) SubmitLocalMove(ctx context.Context, mv board.Move) error {
	var wait chan error
	err := s.do(ctx, func() error {
		w, err := s.submitLocal(mv)
		wait = w
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		cause := ctx.Err()
		s.post(func() {
			if s.pending != nil && s.pending.reply == wait {
				s.log.Info("session_ack_wait_cancelled", zap.String("tx_id", s.pending.rec.TxID))
				s.teardown(StatusIdle, gameerr.User(CodeCancelled, cause.Error()), true)
			}
		})
		return cause
	}
}

// Resign concedes the match. The peer is told if it is still connected.
func (s *Session) Resign(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.status.InGame() && s.status != StatusDisconnected {
			return notInGame(s.status)
		}
		s.sendBestEffort(protocol.TypeResign, "", protocol.Resign{Reason: "resign"})
		s.failPending(gameerr.User(CodeResigned, "resigned"))
		s.log.Info("session_resign_local")
		s.finish(Outcome{Winner: s.match.LocalColor.Opposite(), Reason: "resign"})
		return nil
	})
}

// Exit leaves the match and ends the session. An unfinished match counts as a
// resignation for the peer.
func (s *Session) Exit(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.status.InGame() {
			s.sendBestEffort(protocol.TypeResign, "", protocol.Resign{Reason: "exit"})
		}
		s.failPending(gameerr.User(CodeCancelled, "exited"))
		s.teardown(StatusIdle, nil, true)
		return nil
	})
}

// OfferDraw proposes a draw. Only the side to move may offer and only one offer is
// open at a time; moving withdraws it.
func (s *Session) OfferDraw(ctx context.Context) error {
	return s.do(ctx, func() error {
		switch {
		case s.status == StatusAwaitingRemoteMove:
			return notYourTurn()
		case s.status != StatusAwaitingLocalMove:
			return notInGame(s.status)
		case s.pending != nil:
			return moveInFlight()
		case s.draw != DrawNone:
			return drawPending()
		}
		ply := s.model.Plies()
		if err := s.send(protocol.TypeDrawOffer, "", protocol.DrawOffer{Ply: ply}); err != nil {
			s.disconnect(err)
			return err
		}
		s.log.Info("session_draw_offered", zap.Int("ply", ply))
		s.openDraw(DrawOffered, ply)
		return nil
	})
}

// AnswerDraw replies to the peer's open draw offer. An accepted draw ends the match
// when the offerer confirms it.
func (s *Session) AnswerDraw(ctx context.Context, accept bool) error {
	return s.do(ctx, func() error {
		if !s.status.InGame() {
			return notInGame(s.status)
		}
		if s.draw != DrawReceived {
			return noDrawOffer()
		}
		ply := s.drawPly
		if err := s.send(protocol.TypeDrawReply, "", protocol.DrawReply{Ply: ply, Accept: accept}); err != nil {
			s.disconnect(err)
			return err
		}
		s.log.Info("session_draw_answered", zap.Int("ply", ply), zap.Bool("accept", accept))
		if accept {
			s.openDraw(DrawAccepted, ply)
		} else {
			s.clearDraw(DrawDeclined)
		}
		return nil
	})
}

// Resume continues a Disconnected (or silently broken) match on a new transport.
// remote is the peer's progress from the resume handshake; at most one unacknowledged
// move is replayed by whichever side is ahead.
func (s *Session) Resume(ctx context.Context, t Transport, remote ResumeInfo) error {
	return s.do(ctx, func() error {
		if !s.status.InGame() && s.status != StatusDisconnected {
			release(t, false)
			return notInGame(s.status)
		}
		return s.resume(t, remote)
	})
}

// RequestResync asks the peer for its board and compares fingerprints. A mismatch is a
// ProtocolError and ends the session.
func (s *Session) RequestResync(ctx context.Context) error {
	var wait chan error
	err := s.do(ctx, func() error {
		if !s.status.InGame() {
			return notInGame(s.status)
		}
		if s.pending != nil {
			return moveInFlight()
		}
		if err := s.send(protocol.TypeResyncRequest, "", nil); err != nil {
			return err
		}
		// a newer request supersedes an unanswered one
		s.resync = make(chan error, 1)
		wait = s.resync
		return nil
	})
	if err != nil {
		return err
	}
	t := time.NewTimer(s.cfg.AckTimeout)
	defer t.Stop()
	select {
	case err := <-wait:
		return err
	case <-t.C:
		return gameerr.Network(CodeAckTimeout, errors.New("no resync reply"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop() {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case in := <-s.inbox:
			if in.gen == s.gen {
				s.handle(in)
			}
		case <-tick.C:
			s.onTick()
		}
		if s.status == StatusIdle {
			close(s.done)
			s.log.Info("session_end")
			return
		}
	}
}

// attach installs t as the live transport and starts pumping it into the loop.
func (s *Session) attach(t Transport) {
	if s.readStop != nil {
		s.readStop()
	}
	if s.transport != nil && s.transport != t {
		release(s.transport, false)
	}
	s.gen++
	s.transport = t
	ctx, cancel := context.WithCancel(context.Background())
	s.readStop = cancel
	go s.readPump(ctx, t, s.gen)
}

func (s *Session) readPump(ctx context.Context, t Transport, gen uint64) {
	for {
		env, err := t.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case s.inbox <- inbound{gen: gen, env: env, err: err}:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// detach stops the read pump and closes the transport. Only a graceful detach waits
// for the peer's side of the close handshake.
func (s *Session) detach(graceful bool) {
	if s.readStop != nil {
		s.readStop()
		s.readStop = nil
	}
	if s.transport != nil {
		release(s.transport, graceful)
		s.transport = nil
	}
	s.gen++
}

// release closes t, dropping it at once when it can and graceful is false.
func release(t Transport, graceful bool) {
	if n, ok := t.(interface{ CloseNow() error }); ok && !graceful {
		_ = n.CloseNow()
		return
	}
	_ = t.Close()
}

func (s *Session) onTick() {
	if p := s.pending; p != nil && s.status.InGame() && s.cfg.Now().After(p.deadline) {
		s.log.Warn("session_ack_timeout", zap.String("tx_id", p.rec.TxID))
		s.disconnect(gameerr.Network(CodeAckTimeout, fmt.Errorf("no ack for %s within %s", p.rec.TxID, s.cfg.AckTimeout)))
		return
	}
	if s.transport != nil {
		if l := s.transport.Latency(); l != s.latency {
			s.latency = l
			s.publishState()
			s.emit(Event{Kind: EventLatency, Latency: l})
		}
	}
}

func (s *Session) turnStatus() Status {
	if s.outcome != nil {
		return StatusGameOver
	}
	// an unacknowledged local move still occupies our turn
	if s.pending != nil || s.model.Turn() == s.match.LocalColor {
		return StatusAwaitingLocalMove
	}
	return StatusAwaitingRemoteMove
}

func (s *Session) setStatus(st Status) {
	if st == s.status {
		s.publishState()
		return
	}
	s.log.Debug("session_status", zap.String("from", string(s.status)), zap.String("to", string(st)))
	s.status = st
	s.publishState()
	ev := Event{Kind: EventStatus, Status: st, Outcome: s.outcome}
	if s.lastErr != nil && (st == StatusIdle || st == StatusDisconnected) {
		ev.Error = s.lastErr.Error()
		ev.Code = gameerr.CodeOf(s.lastErr)
	}
	s.emit(ev)
}

func (s *Session) publishState() {
	st := &State{
		SessionID:  s.match.SessionID,
		JoinCode:   s.match.JoinCode,
		Role:       s.match.Role,
		Rules:      s.model.Rules(),
		Players:    Players{Local: s.match.LocalName, Remote: s.match.RemoteName},
		LocalColor: s.match.LocalColor,
		Status:     s.status,
		Turn:       s.model.Turn(),
		Board:      s.model.Pieces(),
		Plies:      s.model.Plies(),
		LastTx:     s.lastTx,
		Digest:     s.model.Digest(),
		Pending:    s.pending != nil,
		Draw:       s.draw,
		Latency:    s.latency,
		LastError:  s.lastErr,
	}
	if s.outcome != nil {
		o := *s.outcome
		st.Outcome = &o
	}
	s.state.Store(st)
}

func (s *Session) emit(ev Event) {
	if s.cfg.Publisher == nil {
		return
	}
	ev.SessionID = s.match.SessionID
	ev.At = s.cfg.Now()
	s.cfg.Publisher.Publish(ev)
}

func (s *Session) newTxID() (string, error) {
	for range 3 {
		id, err := uuid.NewRandomFromReader(s.cfg.Rand)
		if err != nil {
			return "", fmt.Errorf("transaction id: %w", err)
		}
		if s.claim(id.String()) {
			return id.String(), nil
		}
	}
	return "", errors.New("transaction id: random source keeps repeating")
}

// claim records txID as used and reports whether it was new to this session.
func (s *Session) claim(txID string) bool {
	if _, dup := s.seen[txID]; dup {
		return false
	}
	s.seen[txID] = struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := s.cfg.Store.ClaimTx(ctx, s.key, txID)
	if err != nil {
		s.log.Warn("journal_claim_failed", zap.Error(err))
		return true
	}
	return ok
}

func (s *Session) envelope(t protocol.Type, txID string, payload any) (protocol.Envelope, error) {
	return protocol.New(t, s.match.SessionID, txID, payload, s.cfg.Now())
}

func (s *Session) send(t protocol.Type, txID string, payload any) error {
	env, err := s.envelope(t, txID, payload)
	if err != nil {
		return err
	}
	return s.sendEnvelope(env)
}

func (s *Session) sendEnvelope(env protocol.Envelope) error {
	if s.transport == nil {
		return gameerr.Network("not_connected", errors.New("no transport"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	return s.transport.Send(ctx, env)
}

func (s *Session) sendBestEffort(t protocol.Type, txID string, payload any) {
	if s.transport == nil {
		return
	}
	if err := s.send(t, txID, payload); err != nil {
		s.log.Debug("session_send_best_effort_failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func (s *Session) submitLocal(mv board.Move) (chan error, error) {
	switch {
	case s.status == StatusAwaitingRemoteMove:
		return nil, notYourTurn()
	case s.status != StatusAwaitingLocalMove:
		return nil, notInGame(s.status)
	case s.pending != nil:
		return nil, moveInFlight()
	}
	if p, ok := s.model.PieceAt(mv.From); ok && p.Color != s.match.LocalColor {
		return nil, gameerr.IllegalMove(fmt.Sprintf("%s is not your piece", mv.From))
	}
	tx, err := s.newTxID()
	if err != nil {
		return nil, err
	}
	ply := s.model.Plies()
	env, err := s.envelope(protocol.TypeMove, tx, protocol.Move{From: mv.From, To: mv.To, Promotion: mv.Promotion, Ply: ply})
	if err != nil {
		return nil, err
	}
	res, err := s.model.Apply(mv)
	if err != nil {
		s.log.Debug("session_move_rejected", zap.String("move", mv.String()), zap.Error(err))
		return nil, err
	}
	rec := MoveRecord{Ply: ply, TxID: tx, Color: s.match.LocalColor, Move: mv, Captured: res.Captured, Local: true, At: env.SentAt}
	s.clearDraw(DrawWithdrawn)
	reply := make(chan error, 1)
	s.pending = &pendingMove{rec: rec, env: env, result: res, deadline: s.cfg.Now().Add(s.cfg.AckTimeout), reply: reply}
	s.record(rec)
	s.log.Info("session_move_local", zap.String("tx_id", tx), zap.String("move", mv.String()), zap.Int("ply", ply))

	if err := s.sendEnvelope(env); err != nil {
		s.disconnect(err)
	}
	return reply, nil
}

// record appends an applied move to history and the journal and publishes it.
func (s *Session) record(rec MoveRecord) {
	s.moves = append(s.moves, rec)
	s.lastTx = rec.TxID
	s.journalMove(rec)
	s.publishState()
	r := rec
	s.emit(Event{Kind: EventBoard, Move: &r})
	s.emit(Event{Kind: EventTurn, Turn: s.model.Turn()})
}

func (s *Session) openDraw(d DrawState, ply int) {
	s.draw = d
	s.drawPly = ply
	s.publishState()
	s.emit(Event{Kind: EventDraw, Draw: d})
}

// clearDraw drops an open offer and reports why.
func (s *Session) clearDraw(why DrawState) {
	if s.draw == DrawNone {
		return
	}
	s.draw = DrawNone
	s.publishState()
	s.emit(Event{Kind: EventDraw, Draw: why})
}

func (s *Session) failPending(err error) {
	if s.pending == nil || s.pending.reply == nil {
		return
	}
	s.pending.reply <- err
	s.pending.reply = nil
}

// disconnect keeps board and turn and waits for Resume or Exit.
func (s *Session) disconnect(err error) {
	if !s.status.InGame() {
		return
	}
	s.log.Warn("session_disconnected", zap.Error(err))
	s.lastErr = err
	s.failPending(err)
	s.detach(false)
	s.latency = 0
	s.clearDraw(DrawWithdrawn)
	s.setStatus(StatusDisconnected)
	s.emit(Event{Kind: EventError, Code: gameerr.CodeOf(err), Error: err.Error()})
}

// abort ends the session on a protocol violation. The peer is told why when possible.
func (s *Session) abort(err error) {
	s.log.Warn("session_protocol_error", zap.Error(err))
	s.sendBestEffort(protocol.TypeError, "", protocol.ErrorPayload{Code: gameerr.CodeOf(err), Message: err.Error()})
	s.emit(Event{Kind: EventError, Code: gameerr.CodeOf(err), Error: err.Error()})
	s.teardown(StatusIdle, err, true)
}

// teardown releases the transport and moves to st (Idle or GameOver). Failures drop
// the transport without a close handshake.
func (s *Session) teardown(st Status, err error, finishJournal bool) {
	if err != nil {
		s.lastErr = err
	}
	s.failPending(err)
	if s.resync != nil {
		s.resync <- ErrEnded
		s.resync = nil
	}
	s.detach(err == nil)
	s.latency = 0
	s.draw = DrawNone
	if finishJournal && s.outcome == nil {
		s.journalFinish(journal.StateAborted, "", "aborted")
	}
	s.setStatus(st)
}

// finish records the outcome and ends the match.
func (s *Session) finish(o Outcome) {
	s.outcome = &o
	s.failPending(gameerr.User("game_over", "game ended before the move was acknowledged"))
	s.pending = nil
	s.journalFinish(journal.StateFinished, o.Winner.String(), o.Reason)
	s.log.Info("session_game_over", zap.String("winner", o.Winner.String()), zap.String("reason", o.Reason))
	s.teardown(StatusGameOver, nil, false)
	if s.cfg.OnFinish != nil {
		sum := Summary{
			SessionID:  s.match.SessionID,
			Rules:      s.model.Rules(),
			Role:       s.match.Role,
			LocalName:  s.match.LocalName,
			RemoteName: s.match.RemoteName,
			LocalColor: s.match.LocalColor,
			Outcome:    o,
			Moves:      append([]MoveRecord(nil), s.moves...),
			StartedAt:  s.startedAt,
			EndedAt:    s.cfg.Now(),
		}
		go s.cfg.OnFinish(context.Background(), sum)
	}
}

func (s *Session) beginJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, _ := s.model.Serialize()
	rec := &journal.Record{
		SessionID:  s.key,
		JoinCode:   s.match.JoinCode,
		Rules:      s.match.Rules.Name(),
		State:      journal.StateActive,
		Role:       string(s.match.Role),
		LocalName:  s.match.LocalName,
		RemoteName: s.match.RemoteName,
		LocalColor: s.match.LocalColor.String(),
		CreatedAt:  s.startedAt,
		Board:      raw,
	}
	if err := s.cfg.Store.Begin(ctx, rec); err != nil {
		s.log.Warn("journal_begin_failed", zap.Error(err))
	}
}

func (s *Session) journalMove(rec MoveRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entry := journal.MoveEntry{
		Ply:       rec.Ply,
		TxID:      rec.TxID,
		Color:     rec.Color.String(),
		From:      rec.Move.From.String(),
		To:        rec.Move.To.String(),
		Promotion: string(rec.Move.Promotion),
		Captured:  len(rec.Captured),
		Local:     rec.Local,
		At:        rec.At,
	}
	if err := s.cfg.Store.AppendMove(ctx, s.key, entry); err != nil {
		s.log.Warn("journal_append_failed", zap.Error(err))
	}
	raw, err := s.model.Serialize()
	if err != nil {
		return
	}
	if err := s.cfg.Store.SaveSnapshot(ctx, s.key, raw, s.model.Plies(), rec.TxID); err != nil {
		s.log.Warn("journal_snapshot_failed", zap.Error(err))
	}
}

func (s *Session) journalFinish(st journal.State, winner, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cfg.Store.Finish(ctx, s.key, st, winner, reason); err != nil {
		s.log.Warn("journal_finish_failed", zap.Error(err))
	}
}
