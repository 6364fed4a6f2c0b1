// Package protocol defines the peer-to-peer wire messages. Every frame is one JSON
// envelope; the payload shape depends on the envelope type.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
)

// Version is bumped on any incompatible change to the envelope or payloads.
const Version = 1

type Type string

const (
	TypeHello         Type = "hello"
	TypeWelcome       Type = "welcome"
	TypeMove          Type = "move"
	TypeAck           Type = "ack"
	TypeResign        Type = "resign"
	TypeHeartbeat     Type = "heartbeat"
	TypeResyncRequest Type = "resync_request"
	TypeResync        Type = "resync"
	TypeDrawOffer     Type = "draw_offer"
	TypeDrawReply     Type = "draw_reply"
	TypeError         Type = "error"
)

func (t Type) known() bool {
	switch t {
	case TypeHello, TypeWelcome, TypeMove, TypeAck, TypeResign, TypeHeartbeat,
		TypeResyncRequest, TypeResync, TypeDrawOffer, TypeDrawReply, TypeError:
		return true
	}
	return false
}

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Error codes carried in error payloads and gameerr codes.
const (
	CodeInvalidJoinCode = "invalid_join_code"
	CodeSessionFull     = "session_full"
	CodeInvalidSession  = "invalid_session"
	CodeVersionMismatch = "version_mismatch"
	CodeWrongDirection  = "wrong_direction"
	CodeInvalidBoard    = "invalid_board"
	CodeMalformed       = "malformed"
	CodeDuplicateTx     = "duplicate_tx"
	CodeIllegalRemote   = "illegal_remote_move"
	CodeOutOfTurn       = "out_of_turn"
	CodeAckMismatch     = "ack_mismatch"
)

// Envelope is the frame. SentAt doubles as the move timestamp.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	TxID      string          `json:"tx_id,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Hello opens the handshake. JoinCode is set by the guest only. ResumeSession, Plies
// and LastTx are set when a guest reconnects to an interrupted match.
type Hello struct {
	Version       int    `json:"version"`
	Role          Role   `json:"role"`
	Username      string `json:"username"`
	JoinCode      string `json:"join_code,omitempty"`
	ResumeSession string `json:"resume_session,omitempty"`
	Plies         int    `json:"plies,omitempty"`
	LastTx        string `json:"last_tx,omitempty"`
}

// Welcome is the host's acknowledgement of Hello.
type Welcome struct {
	Version   int         `json:"version"`
	Role      Role        `json:"role"`
	Username  string      `json:"username"`
	SessionID string      `json:"session_id"`
	Rules     string      `json:"rules"`
	HostColor board.Color `json:"host_color"`
	Resumed   bool        `json:"resumed,omitempty"`
	Plies     int         `json:"plies,omitempty"`
	LastTx    string      `json:"last_tx,omitempty"`
}

// Move carries one board move. Ply is the zero-based index of the move in the match.
type Move struct {
	From      board.Square `json:"from"`
	To        board.Square `json:"to"`
	Promotion board.Kind   `json:"promotion,omitempty"`
	Ply       int          `json:"ply"`
}

// Ack confirms the move whose transaction ID it carries. Digest is the receiver's
// board fingerprint after applying it.
type Ack struct {
	TxID   string `json:"tx_id"`
	Digest string `json:"digest,omitempty"`
}

type Resign struct {
	Reason string `json:"reason,omitempty"`
}

// DrawOffer proposes a draw in the position reached after Ply moves. Only the side
// to move may offer.
type DrawOffer struct {
	Ply int `json:"ply"`
}

// DrawReply answers a draw offer. The offerer echoes an accepting reply to confirm
// the draw; a reply for a ply the offerer already moved past is stale.
type DrawReply struct {
	Ply    int  `json:"ply"`
	Accept bool `json:"accept"`
}

type Heartbeat struct {
	Seq uint64 `json:"seq"`
}

// Resync is the host's answer to resync_request.
type Resync struct {
	Board  json.RawMessage `json:"board"`
	Digest string          `json:"digest"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// New builds an envelope with payload marshalled. payload may be nil.
func New(t Type, sessionID, txID string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sessionID, TxID: txID, SentAt: now.UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload of env into T. Failures are malformed-message
// protocol errors.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, gameerr.Protocol(CodeMalformed, fmt.Sprintf("%s without payload", env.Type))
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, gameerr.ProtocolWrap(CodeMalformed, fmt.Errorf("decode %s: %w", env.Type, err))
	}
	return v, nil
}

func malformed(format string, args ...any) error {
	return gameerr.Protocol(CodeMalformed, fmt.Sprintf(format, args...))
}

// Validate checks the envelope and its payload schema. It does not check session
// state such as turn order or duplicate transaction IDs.
func Validate(env Envelope) error {
	if !env.Type.known() {
		return malformed("unknown message type %q", env.Type)
	}
	if env.SentAt.IsZero() {
		return malformed("%s without timestamp", env.Type)
	}
	switch env.Type {
	case TypeHello:
		h, err := Decode[Hello](env)
		if err != nil {
			return err
		}
		if h.Version != Version {
			return gameerr.Protocol(CodeVersionMismatch, fmt.Sprintf("peer speaks version %d, want %d", h.Version, Version))
		}
		if h.Role != RoleGuest {
			return gameerr.Protocol(CodeWrongDirection, "hello must come from the guest")
		}
		if strings.TrimSpace(h.Username) == "" {
			return malformed("hello without username")
		}
	case TypeWelcome:
		w, err := Decode[Welcome](env)
		if err != nil {
			return err
		}
		if w.Version != Version {
			return gameerr.Protocol(CodeVersionMismatch, fmt.Sprintf("peer speaks version %d, want %d", w.Version, Version))
		}
		if w.Role != RoleHost {
			return gameerr.Protocol(CodeWrongDirection, "welcome must come from the host")
		}
		if w.SessionID == "" || w.Rules == "" || strings.TrimSpace(w.Username) == "" {
			return malformed("incomplete welcome")
		}
		if w.HostColor != board.White && w.HostColor != board.Black {
			return malformed("welcome without host color")
		}
	case TypeMove:
		if env.TxID == "" || env.SessionID == "" {
			return malformed("move without transaction or session id")
		}
		m, err := Decode[Move](env)
		if err != nil {
			return err
		}
		if !m.From.Valid() || !m.To.Valid() || m.Ply < 0 {
			return malformed("move out of range")
		}
	case TypeAck:
		a, err := Decode[Ack](env)
		if err != nil {
			return err
		}
		if a.TxID == "" {
			return malformed("ack without transaction id")
		}
	case TypeResync:
		r, err := Decode[Resync](env)
		if err != nil {
			return err
		}
		if len(r.Board) == 0 || r.Digest == "" {
			return malformed("empty resync")
		}
	case TypeDrawOffer:
		o, err := Decode[DrawOffer](env)
		if err != nil {
			return err
		}
		if o.Ply < 0 {
			return malformed("draw offer for ply %d", o.Ply)
		}
	case TypeDrawReply:
		r, err := Decode[DrawReply](env)
		if err != nil {
			return err
		}
		if r.Ply < 0 {
			return malformed("draw reply for ply %d", r.Ply)
		}
	case TypeError:
		e, err := Decode[ErrorPayload](env)
		if err != nil {
			return err
		}
		if e.Code == "" {
			return malformed("error without code")
		}
	}
	return nil
}

// AsError turns a received error frame into the matching taxonomy error.
func AsError(p ErrorPayload) error {
	return gameerr.Protocol(p.Code, p.Message)
}
