// Package checkmatedto holds the JSON shapes the control API exchanges with a UI.
package checkmatedto

type Piece struct {
	Kind  string `json:"kind"`
	Color string `json:"color"`
}

type Players struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type Outcome struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

// SessionState is everything a UI needs to draw one frame. Board is keyed by
// square name ("e2").
type SessionState struct {
	SessionID  string           `json:"session_id,omitempty"`
	Hosting    bool             `json:"hosting"`
	JoinCode   string           `json:"join_code,omitempty"`
	Ticket     string           `json:"ticket,omitempty"`
	Address    string           `json:"address,omitempty"`
	Rules      string           `json:"rules,omitempty"`
	Role       string           `json:"role,omitempty"`
	LocalColor string           `json:"local_color,omitempty"`
	Players    Players          `json:"players"`
	Status     string           `json:"status"`
	Turn       string           `json:"turn,omitempty"`
	Board      map[string]Piece `json:"board"`
	Plies      int              `json:"plies"`
	LastMove   *Move            `json:"last_move,omitempty"`
	Pending    bool             `json:"pending"`
	Draw       string           `json:"draw,omitempty"`
	LatencyMS  int64            `json:"latency_ms"`
	Outcome    *Outcome         `json:"outcome,omitempty"`
	Message    string           `json:"message,omitempty"`
	Error      *Error           `json:"error,omitempty"`
}

type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Event mirrors one session event.
type Event struct {
	Kind      string   `json:"kind"`
	SessionID string   `json:"session_id,omitempty"`
	Status    string   `json:"status,omitempty"`
	Turn      string   `json:"turn,omitempty"`
	Move      *Move    `json:"move,omitempty"`
	Captured  int      `json:"captured,omitempty"`
	Players   *Players `json:"players,omitempty"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	LatencyMS int64    `json:"latency_ms,omitempty"`
	Draw      string   `json:"draw,omitempty"`
	Error     *Error   `json:"error,omitempty"`
	At        string   `json:"at"`
}
