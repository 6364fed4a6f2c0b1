package session

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/journal"
	"github.com/park285/cheese-lan/internal/protocol"
)

// Status is the turn state machine's state.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusHandshaking        Status = "handshaking"
	StatusAwaitingLocalMove  Status = "awaiting_local_move"
	StatusAwaitingRemoteMove Status = "awaiting_remote_move"
	StatusGameOver           Status = "game_over"
	StatusDisconnected       Status = "disconnected"
)

// InGame reports whether s holds a live turn.
func (s Status) InGame() bool {
	return s == StatusAwaitingLocalMove || s == StatusAwaitingRemoteMove
}

// Transport is the slice of a peer connection the session drives.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Receive(ctx context.Context) (protocol.Envelope, error)
	Latency() time.Duration
	Close() error
}

// Publisher receives session events. *events.Broadcaster[Event] satisfies it.
type Publisher interface {
	Publish(Event) int
}

// Match is what the handshake established.
type Match struct {
	SessionID  string
	JoinCode   string
	Role       protocol.Role
	LocalName  string
	RemoteName string
	LocalColor board.Color
	Rules      board.RuleSet
}

// DrawState tracks a draw offer. Declined and Withdrawn only appear in events.
type DrawState string

const (
	DrawNone      DrawState = ""
	DrawOffered   DrawState = "offered"
	DrawReceived  DrawState = "received"
	DrawAccepted  DrawState = "accepted"
	DrawDeclined  DrawState = "declined"
	DrawWithdrawn DrawState = "withdrawn"
)

// ReasonAgreement is the outcome reason of an agreed draw.
const ReasonAgreement = "agreement"

// ResumeInfo is the peer's progress as reported in a resume handshake.
type ResumeInfo struct {
	Plies  int
	LastTx string
}

type Config struct {
	AckTimeout time.Duration
	// Rand feeds transaction IDs. Defaults to crypto/rand.
	Rand      io.Reader
	Store     journal.Store
	Publisher Publisher
	Logger    *zap.Logger
	Now       func() time.Time
	// OnFinish runs in its own goroutine once a match reaches GameOver.
	OnFinish func(context.Context, Summary)
}

type Players struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// Outcome is set once the game is over. Winner is NoColor for a draw.
type Outcome struct {
	Winner board.Color `json:"winner,omitempty"`
	Reason string      `json:"reason"`
}

// MoveRecord is one applied move as the session saw it.
type MoveRecord struct {
	Ply      int           `json:"ply"`
	TxID     string        `json:"tx_id"`
	Color    board.Color   `json:"color"`
	Move     board.Move    `json:"move"`
	Captured []board.Piece `json:"captured,omitempty"`
	Local    bool          `json:"local"`
	At       time.Time     `json:"at"`
}

// State is an immutable snapshot of the session, safe to read from any goroutine.
type State struct {
	SessionID  string                      `json:"session_id"`
	JoinCode   string                      `json:"join_code,omitempty"`
	Role       protocol.Role               `json:"role"`
	Rules      string                      `json:"rules"`
	Players    Players                     `json:"players"`
	LocalColor board.Color                 `json:"local_color"`
	Status     Status                      `json:"status"`
	Turn       board.Color                 `json:"turn"`
	Board      map[board.Square]board.Piece `json:"board"`
	Plies      int                         `json:"plies"`
	LastTx     string                      `json:"last_tx,omitempty"`
	Digest     string                      `json:"digest"`
	Pending    bool                        `json:"pending"`
	Draw       DrawState                   `json:"draw,omitempty"`
	Latency    time.Duration               `json:"latency"`
	Outcome    *Outcome                    `json:"outcome,omitempty"`
	LastError  error                       `json:"-"`
}

// Summary describes a finished match for archiving and notification.
type Summary struct {
	SessionID  string
	Rules      string
	Role       protocol.Role
	LocalName  string
	RemoteName string
	LocalColor board.Color
	Outcome    Outcome
	Moves      []MoveRecord
	StartedAt  time.Time
	EndedAt    time.Time
}

// EventKind names what changed.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventBoard   EventKind = "board"
	EventTurn    EventKind = "turn"
	EventPlayers EventKind = "players"
	EventError   EventKind = "error"
	EventLatency EventKind = "latency"
	EventResync  EventKind = "resync"
	EventDraw    EventKind = "draw"
)

// Event is one state change pushed to subscribers.
type Event struct {
	Kind      EventKind     `json:"kind"`
	SessionID string        `json:"session_id,omitempty"`
	Status    Status        `json:"status,omitempty"`
	Turn      board.Color   `json:"turn,omitempty"`
	Move      *MoveRecord   `json:"move,omitempty"`
	Players   *Players      `json:"players,omitempty"`
	Outcome   *Outcome      `json:"outcome,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Draw      DrawState     `json:"draw,omitempty"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Error codes raised by the session itself.
const (
	CodeNotYourTurn  = "not_your_turn"
	CodeMoveInFlight = "move_in_flight"
	CodeNotInGame    = "not_in_game"
	CodeAckTimeout   = "ack_timeout"
	CodeResigned     = "resigned"
	CodeCancelled    = "cancelled"
	CodeEnded        = "session_ended"
	CodeDrawPending  = "draw_pending"
	CodeNoDrawOffer  = "no_draw_offer"
)

var (
	// ErrEnded is returned by commands issued after the session reached Idle.
	ErrEnded = gameerr.User(CodeEnded, "session has ended")
)

func notYourTurn() error {
	return &gameerr.Error{Kind: gameerr.KindIllegalMove, Code: CodeNotYourTurn, Message: "it is not your turn"}
}

func moveInFlight() error {
	return &gameerr.Error{Kind: gameerr.KindIllegalMove, Code: CodeMoveInFlight, Message: "previous move is not acknowledged yet"}
}

func drawPending() error {
	return gameerr.User(CodeDrawPending, "a draw offer is already open")
}

func noDrawOffer() error {
	return gameerr.User(CodeNoDrawOffer, "there is no draw offer to answer")
}

func notInGame(s Status) error {
	return gameerr.User(CodeNotInGame, "session is "+string(s))
}
