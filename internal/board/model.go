// Package board holds the game board: pieces, legality and move application behind a
// pluggable rule set.
package board

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/park285/cheese-lan/internal/gameerr"
)

// Model is the BoardModel. It owns the position exclusively; every read returns copies.
type Model struct {
	rules RuleSet
	pos   Position
	plies int
}

func NewModel(rules RuleSet) *Model {
	m := &Model{rules: rules}
	m.Initialize()
	return m
}

// Initialize resets to the starting layout.
func (m *Model) Initialize() {
	m.pos = m.rules.NewPosition()
	m.plies = 0
}

func (m *Model) Rules() string { return m.rules.Name() }

func (m *Model) Turn() Color { return m.pos.Turn() }

// Plies is the number of moves applied since Initialize (or restored by Deserialize).
func (m *Model) Plies() int { return m.plies }

func (m *Model) PieceAt(sq Square) (Piece, bool) {
	if !sq.Valid() {
		return Piece{}, false
	}
	return m.pos.PieceAt(sq)
}

// Pieces returns the square→piece mapping.
func (m *Model) Pieces() map[Square]Piece {
	out := make(map[Square]Piece)
	for _, p := range m.pos.Pieces() {
		out[p.Square] = p
	}
	return out
}

// LegalMoves returns destination squares for the piece on sq. Empty when the square is
// empty or the piece's side is not to move.
func (m *Model) LegalMoves(sq Square) []Square {
	p, ok := m.PieceAt(sq)
	if !ok || p.Color != m.pos.Turn() {
		return nil
	}
	seen := make(map[Square]struct{})
	var out []Square
	for _, mv := range m.pos.Moves(sq) {
		if _, dup := seen[mv.To]; dup {
			continue
		}
		seen[mv.To] = struct{}{}
		out = append(out, mv.To)
	}
	return out
}

// HasAnyMove reports whether the side to move has at least one legal move.
func (m *Model) HasAnyMove() bool {
	for _, p := range m.pos.Pieces() {
		if p.Color == m.pos.Turn() && len(m.pos.Moves(p.Square)) > 0 {
			return true
		}
	}
	return false
}

// Apply validates and applies mv. On failure the board is untouched and the error is
// an IllegalMoveError.
func (m *Model) Apply(mv Move) (Result, error) {
	if !mv.From.Valid() || !mv.To.Valid() {
		return Result{}, gameerr.IllegalMove("square out of range")
	}
	p, ok := m.pos.PieceAt(mv.From)
	if !ok {
		return Result{}, gameerr.IllegalMove(fmt.Sprintf("no piece on %s", mv.From))
	}
	if p.Color != m.pos.Turn() {
		return Result{}, gameerr.IllegalMove(fmt.Sprintf("%s is not to move", p.Color))
	}
	cand, ok := pick(m.pos.Moves(mv.From), mv)
	if !ok {
		return Result{}, gameerr.IllegalMove(fmt.Sprintf("%s is not legal", mv))
	}
	next := m.pos.Clone()
	res, err := next.Play(cand)
	if err != nil {
		return Result{}, gameerr.IllegalMove(err.Error())
	}
	m.pos = next
	m.plies++
	return res, nil
}

// pick finds the candidate matching the requested destination and promotion.
// An empty requested promotion takes the first candidate, which rule sets order
// with their default promotion first.
func pick(cands []Move, want Move) (Move, bool) {
	for _, c := range cands {
		if c.To != want.To {
			continue
		}
		if want.Promotion == NoKind || want.Promotion == c.Promotion {
			return c, true
		}
	}
	return Move{}, false
}

type snapshot struct {
	Rules    string `json:"rules"`
	Plies    int    `json:"plies"`
	Position string `json:"position"`
}

// Serialize encodes the board into an opaque value for logging and resync.
func (m *Model) Serialize() ([]byte, error) {
	text, err := m.pos.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshot{Rules: m.rules.Name(), Plies: m.plies, Position: string(text)})
}

// Deserialize replaces the board with a serialized one. The rule set must match.
func (m *Model) Deserialize(raw []byte) error {
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode board: %w", err)
	}
	if s.Rules != m.rules.Name() {
		return fmt.Errorf("board rules %q do not match %q", s.Rules, m.rules.Name())
	}
	pos, err := m.rules.ParsePosition([]byte(s.Position))
	if err != nil {
		return err
	}
	m.pos = pos
	m.plies = s.Plies
	return nil
}

// Digest is a short fingerprint of the position, used to compare boards across peers.
func (m *Model) Digest() string {
	text, err := m.pos.MarshalText()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(append([]byte(m.rules.Name()+"|"), text...))
	return hex.EncodeToString(sum[:8])
}
