package board

import (
	"fmt"
	"sort"
	"strings"
)

// Position is one rule set's mutable game state. Implementations are not safe for
// concurrent use; Model serializes access.
type Position interface {
	Turn() Color
	PieceAt(sq Square) (Piece, bool)
	Pieces() []Piece
	// Moves lists the legal moves of the piece on from for the side to move.
	Moves(from Square) []Move
	// Play applies a move previously returned by Moves.
	Play(m Move) (Result, error)
	MarshalText() ([]byte, error)
	Clone() Position
}

// RuleSet produces positions for one game variant.
type RuleSet interface {
	Name() string
	NewPosition() Position
	ParsePosition(text []byte) (Position, error)
}

var registry = map[string]RuleSet{}

func register(r RuleSet) { registry[r.Name()] = r }

func init() {
	register(Checkers{})
	register(Chess{})
}

// Lookup returns a registered rule set by name ("checkers", "chess").
func Lookup(name string) (RuleSet, error) {
	r, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown rule set %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return r, nil
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
