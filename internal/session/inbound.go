package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/protocol"
)

func (s *Session) handle(in inbound) {
	if in.err != nil {
		s.onTransportError(in.err)
		return
	}
	env := in.env
	if s.status == StatusGameOver {
		return
	}
	if err := protocol.Validate(env); err != nil {
		s.abort(err)
		return
	}
	if env.SessionID != "" && env.SessionID != s.match.SessionID {
		s.abort(gameerr.Protocol(protocol.CodeInvalidSession, fmt.Sprintf("frame for session %q", env.SessionID)))
		return
	}
	switch env.Type {
	case protocol.TypeMove:
		s.onRemoteMove(env)
	case protocol.TypeAck:
		s.onAck(env)
	case protocol.TypeResign:
		s.onRemoteResign(env)
	case protocol.TypeResyncRequest:
		s.onResyncRequest()
	case protocol.TypeResync:
		s.onResync(env)
	case protocol.TypeDrawOffer:
		s.onDrawOffer(env)
	case protocol.TypeDrawReply:
		s.onDrawReply(env)
	case protocol.TypeError:
		p, _ := protocol.Decode[protocol.ErrorPayload](env)
		err := protocol.AsError(p)
		s.log.Warn("session_peer_error", zap.String("code", p.Code), zap.String("message", p.Message))
		s.emit(Event{Kind: EventError, Code: p.Code, Error: err.Error()})
		s.teardown(StatusIdle, err, true)
	default:
		s.abort(gameerr.Protocol(protocol.CodeWrongDirection, fmt.Sprintf("unexpected %s during a match", env.Type)))
	}
}

func (s *Session) onTransportError(err error) {
	if errors.Is(err, gameerr.ErrProtocol) {
		s.abort(err)
		return
	}
	if s.status.InGame() {
		s.disconnect(err)
	}
}

// onRemoteMove applies the peer's move. Replays, out-of-turn moves and illegal moves
// are protocol violations and end the session with the board untouched.
func (s *Session) onRemoteMove(env protocol.Envelope) {
	if !s.claim(env.TxID) {
		s.abort(gameerr.Protocol(protocol.CodeDuplicateTx, fmt.Sprintf("transaction %s already seen", env.TxID)))
		return
	}
	if s.status != StatusAwaitingRemoteMove || s.pending != nil {
		s.abort(gameerr.Protocol(protocol.CodeOutOfTurn, fmt.Sprintf("move received in %s", s.status)))
		return
	}
	m, err := protocol.Decode[protocol.Move](env)
	if err != nil {
		s.abort(err)
		return
	}
	if m.Ply != s.model.Plies() {
		s.abort(gameerr.Protocol(protocol.CodeInvalidBoard, fmt.Sprintf("move for ply %d, board is at %d", m.Ply, s.model.Plies())))
		return
	}
	mv := board.Move{From: m.From, To: m.To, Promotion: m.Promotion}
	if p, ok := s.model.PieceAt(mv.From); ok && p.Color == s.match.LocalColor {
		s.abort(gameerr.Protocol(protocol.CodeIllegalRemote, fmt.Sprintf("peer moved our piece on %s", mv.From)))
		return
	}
	res, err := s.model.Apply(mv)
	if err != nil {
		s.abort(gameerr.ProtocolWrap(protocol.CodeIllegalRemote, err))
		return
	}
	s.clearDraw(DrawWithdrawn)
	rec := MoveRecord{Ply: m.Ply, TxID: env.TxID, Color: s.match.LocalColor.Opposite(), Move: mv, Captured: res.Captured, At: env.SentAt}
	s.record(rec)
	s.log.Info("session_move_remote", zap.String("tx_id", env.TxID), zap.String("move", mv.String()), zap.Int("ply", m.Ply))

	if err := s.send(protocol.TypeAck, env.TxID, protocol.Ack{TxID: env.TxID, Digest: s.model.Digest()}); err != nil {
		s.disconnect(err)
		return
	}
	if res.GameOver {
		s.finish(Outcome{Winner: res.Winner, Reason: res.Reason})
		return
	}
	s.setStatus(s.turnStatus())
}

func (s *Session) onAck(env protocol.Envelope) {
	a, err := protocol.Decode[protocol.Ack](env)
	if err != nil {
		s.abort(err)
		return
	}
	p := s.pending
	if p == nil || p.rec.TxID != a.TxID {
		s.abort(gameerr.Protocol(protocol.CodeAckMismatch, fmt.Sprintf("ack for unknown transaction %s", a.TxID)))
		return
	}
	if a.Digest != "" && a.Digest != s.model.Digest() {
		s.abort(gameerr.Protocol(protocol.CodeInvalidBoard, "peer board diverged after "+p.rec.Move.String()))
		return
	}
	s.log.Debug("session_ack", zap.String("tx_id", a.TxID))
	s.failPending(nil)
	s.pending = nil
	if p.result.GameOver {
		s.finish(Outcome{Winner: p.result.Winner, Reason: p.result.Reason})
		return
	}
	s.setStatus(s.turnStatus())
}

func (s *Session) onRemoteResign(env protocol.Envelope) {
	reason := "resign"
	if r, err := protocol.Decode[protocol.Resign](env); err == nil && r.Reason != "" {
		reason = r.Reason
	}
	s.log.Info("session_resign_remote", zap.String("reason", reason))
	s.finish(Outcome{Winner: s.match.LocalColor, Reason: "opponent_" + reason})
}

// onDrawOffer opens the peer's offer. The peer must hold the turn at the ply it names.
func (s *Session) onDrawOffer(env protocol.Envelope) {
	o, err := protocol.Decode[protocol.DrawOffer](env)
	if err != nil {
		s.abort(err)
		return
	}
	if s.status != StatusAwaitingRemoteMove || s.pending != nil || o.Ply != s.model.Plies() {
		s.abort(gameerr.Protocol(protocol.CodeOutOfTurn, fmt.Sprintf("draw offer for ply %d received in %s", o.Ply, s.status)))
		return
	}
	if s.draw != DrawNone {
		s.abort(gameerr.Protocol(protocol.CodeOutOfTurn, "second draw offer while one is open"))
		return
	}
	s.log.Info("session_draw_received", zap.Int("ply", o.Ply))
	s.openDraw(DrawReceived, o.Ply)
}

// onDrawReply handles the answer to our offer, or the offerer's confirmation of our
// acceptance. Replies to an offer that a move already withdrew are dropped.
func (s *Session) onDrawReply(env protocol.Envelope) {
	r, err := protocol.Decode[protocol.DrawReply](env)
	if err != nil {
		s.abort(err)
		return
	}
	switch {
	case s.draw == DrawOffered && r.Ply == s.drawPly && !r.Accept:
		s.log.Info("session_draw_declined", zap.Int("ply", r.Ply))
		s.clearDraw(DrawDeclined)
	case s.draw == DrawOffered && r.Ply == s.drawPly:
		s.sendBestEffort(protocol.TypeDrawReply, "", protocol.DrawReply{Ply: r.Ply, Accept: true})
		s.finish(Outcome{Reason: ReasonAgreement})
	case s.draw == DrawAccepted && r.Ply == s.drawPly && r.Accept:
		s.finish(Outcome{Reason: ReasonAgreement})
	default:
		s.log.Debug("session_draw_reply_stale", zap.Int("ply", r.Ply), zap.String("draw", string(s.draw)))
	}
}

func (s *Session) onResyncRequest() {
	raw, err := s.model.Serialize()
	if err != nil {
		s.abort(gameerr.ProtocolWrap(protocol.CodeInvalidBoard, err))
		return
	}
	if err := s.send(protocol.TypeResync, "", protocol.Resync{Board: raw, Digest: s.model.Digest()}); err != nil {
		s.disconnect(err)
	}
}

func (s *Session) onResync(env protocol.Envelope) {
	r, err := protocol.Decode[protocol.Resync](env)
	if err != nil {
		s.abort(err)
		return
	}
	peer := board.NewModel(s.match.Rules)
	if err := peer.Deserialize(r.Board); err != nil {
		s.abort(gameerr.ProtocolWrap(protocol.CodeInvalidBoard, err))
		return
	}
	wait := s.resync
	s.resync = nil
	if peer.Digest() != r.Digest || r.Digest != s.model.Digest() {
		err := gameerr.Protocol(protocol.CodeInvalidBoard, "boards differ after resync")
		if wait != nil {
			wait <- err
		}
		s.abort(err)
		return
	}
	s.log.Info("session_resync_ok", zap.String("digest", r.Digest))
	s.emit(Event{Kind: EventResync, Status: s.status})
	if wait != nil {
		wait <- nil
	}
}

// resume compares progress with the peer and replays the one move that may have been
// lost with the old connection.
func (s *Session) resume(t Transport, remote ResumeInfo) error {
	local := s.model.Plies()
	p := s.pending
	switch {
	case local == remote.Plies:
		if remote.LastTx != s.lastTx {
			return s.resumeFailed(t, fmt.Sprintf("same ply %d but last moves differ", local))
		}
		if p != nil {
			// the peer applied it; only the ack was lost
			s.failPending(nil)
			s.pending = nil
			if p.result.GameOver {
				s.attach(t)
				s.finish(Outcome{Winner: p.result.Winner, Reason: p.result.Reason})
				return nil
			}
		}
		s.attach(t)
	case local == remote.Plies+1 && p != nil:
		s.attach(t)
		p.deadline = s.cfg.Now().Add(s.cfg.AckTimeout)
		s.log.Info("session_replay_move", zap.String("tx_id", p.rec.TxID))
		if err := s.sendEnvelope(p.env); err != nil {
			s.disconnect(err)
			return err
		}
	case remote.Plies == local+1 && p == nil && s.model.Turn() != s.match.LocalColor:
		// the peer will replay its move on the new connection
		s.attach(t)
	case remote.Plies == local+1 && p != nil && !p.result.GameOver:
		// the peer applied our move and answered; both the ack and its reply were lost
		s.log.Info("session_pending_accepted", zap.String("tx_id", p.rec.TxID))
		s.failPending(nil)
		s.pending = nil
		s.attach(t)
	default:
		return s.resumeFailed(t, fmt.Sprintf("local ply %d, peer ply %d", local, remote.Plies))
	}
	s.lastErr = nil
	s.log.Info("session_resumed", zap.Int("plies", local), zap.Int("peer_plies", remote.Plies))
	s.setStatus(s.turnStatus())
	return nil
}

func (s *Session) resumeFailed(t Transport, msg string) error {
	err := gameerr.Protocol(protocol.CodeInvalidBoard, msg)
	s.attach(t)
	s.abort(err)
	return err
}
