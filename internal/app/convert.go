package app

import (
	"time"

	"github.com/park285/cheese-lan/internal/board"
	"github.com/park285/cheese-lan/internal/session"
	"github.com/park285/cheese-lan/pkg/checkmatedto"
)

func fillState(out *checkmatedto.SessionState, st session.State) {
	out.SessionID = st.SessionID
	if st.JoinCode != "" {
		out.JoinCode = st.JoinCode
	}
	out.Rules = st.Rules
	out.Role = string(st.Role)
	out.LocalColor = st.LocalColor.String()
	out.Players = checkmatedto.Players{Local: st.Players.Local, Remote: st.Players.Remote}
	out.Status = string(st.Status)
	if st.Status.InGame() {
		out.Turn = st.Turn.String()
	}
	out.Board = make(map[string]checkmatedto.Piece, len(st.Board))
	for sq, p := range st.Board {
		out.Board[sq.String()] = checkmatedto.Piece{Kind: string(p.Kind), Color: p.Color.String()}
	}
	out.Plies = st.Plies
	out.Pending = st.Pending
	out.Draw = string(st.Draw)
	out.LatencyMS = st.Latency.Milliseconds()
	if st.Outcome != nil {
		out.Outcome = outcomeDTO(*st.Outcome)
	}
}

func moveDTO(m board.Move) *checkmatedto.Move {
	return &checkmatedto.Move{From: m.From.String(), To: m.To.String(), Promotion: string(m.Promotion)}
}

func outcomeDTO(o session.Outcome) *checkmatedto.Outcome {
	out := &checkmatedto.Outcome{Reason: o.Reason}
	if o.Winner != board.NoColor {
		out.Winner = o.Winner.String()
	}
	return out
}

// EventDTO converts a session event for the UI.
func (c *Controller) EventDTO(ev session.Event) checkmatedto.Event {
	out := checkmatedto.Event{
		Kind:      string(ev.Kind),
		SessionID: ev.SessionID,
		Status:    string(ev.Status),
		LatencyMS: ev.Latency.Milliseconds(),
		Draw:      string(ev.Draw),
		At:        ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Turn != board.NoColor {
		out.Turn = ev.Turn.String()
	}
	if ev.Move != nil {
		out.Move = moveDTO(ev.Move.Move)
		out.Captured = len(ev.Move.Captured)
	}
	if ev.Players != nil {
		out.Players = &checkmatedto.Players{Local: ev.Players.Local, Remote: ev.Players.Remote}
	}
	if ev.Outcome != nil {
		out.Outcome = outcomeDTO(*ev.Outcome)
	}
	if ev.Error != "" || ev.Code != "" {
		msg := ev.Error
		if c.deps.Catalog != nil {
			msg = c.deps.Catalog.CodeText(ev.Code, ev.Error)
		}
		out.Error = &checkmatedto.Error{Code: ev.Code, Message: msg}
	}
	return out
}
