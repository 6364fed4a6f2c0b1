// Package journal records a match as it happens: the session record, every applied
// move, the latest board snapshot and the set of transaction IDs already seen.
package journal

import (
    "context"
    "encoding/json"
    "time"
)

// TTL bounds how long a match record outlives its last write.
const TTL = 24 * time.Hour

// State is the lifecycle of a journaled match.
type State string

const (
    StateLobby    State = "LOBBY"
    StateActive   State = "ACTIVE"
    StateFinished State = "FINISHED"
    StateAborted  State = "ABORTED"
)

// Record is stored as JSON under the session ID.
type Record struct {
    SessionID  string          `json:"session_id"`
    JoinCode   string          `json:"join_code,omitempty"`
    Rules      string          `json:"rules"`
    State      State           `json:"state"`
    Role       string          `json:"role"`
    LocalName  string          `json:"local_name"`
    RemoteName string          `json:"remote_name,omitempty"`
    LocalColor string          `json:"local_color,omitempty"`
    CreatedAt  time.Time       `json:"created_at"`
    UpdatedAt  time.Time       `json:"updated_at"`
    Winner     string          `json:"winner,omitempty"`
    Reason     string          `json:"reason,omitempty"`
    Board      json.RawMessage `json:"board,omitempty"`
    Plies      int             `json:"plies"`
    LastTx     string          `json:"last_tx,omitempty"`
}

// MoveEntry is one applied move.
type MoveEntry struct {
    Ply       int       `json:"ply"`
    TxID      string    `json:"tx_id"`
    Color     string    `json:"color"`
    From      string    `json:"from"`
    To        string    `json:"to"`
    Promotion string    `json:"promotion,omitempty"`
    Captured  int       `json:"captured,omitempty"`
    Local     bool      `json:"local"`
    At        time.Time `json:"at"`
}

// Store persists matches. Load returns (nil, nil, nil) for an unknown session.
type Store interface {
    Begin(ctx context.Context, rec *Record) error
    // ClaimTx records txID for the session and reports whether it was new.
    ClaimTx(ctx context.Context, sessionID, txID string) (bool, error)
    AppendMove(ctx context.Context, sessionID string, mv MoveEntry) error
    SaveSnapshot(ctx context.Context, sessionID string, board []byte, plies int, lastTx string) error
    // Update applies fn to the stored record.
    Update(ctx context.Context, sessionID string, fn func(*Record)) error
    Finish(ctx context.Context, sessionID string, state State, winner, reason string) error
    Load(ctx context.Context, sessionID string) (*Record, []MoveEntry, error)
}

var (
    ErrInvalidArgs = errf("invalid arguments")
    ErrExists      = errf("session already journaled")
    ErrNotFound    = errf("session not found or expired")
)

type staticErr string
func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }
