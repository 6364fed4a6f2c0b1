package board

import (
	"fmt"
	"strings"
)

// Size is the edge length of every supported board.
const Size = 8

// Color identifies a side.
type Color uint8

const (
	NoColor Color = iota
	White
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return ""
	}
}

// Opposite returns the other side; NoColor stays NoColor.
func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoColor
	}
}

func ParseColor(s string) (Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	default:
		return NoColor, fmt.Errorf("unknown color %q", s)
	}
}

func (c Color) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Color) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = NoColor
		return nil
	}
	v, err := ParseColor(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Kind is a piece kind. Checkers uses Man/King, chess uses the six orthodox kinds.
type Kind string

const (
	NoKind Kind = ""
	Man    Kind = "man"
	King   Kind = "king"
	Pawn   Kind = "pawn"
	Knight Kind = "knight"
	Bishop Kind = "bishop"
	Rook   Kind = "rook"
	Queen  Kind = "queen"
)

// Square is an immutable (rank, file) coordinate; a1 is {0,0}.
type Square struct {
	Rank int8 `json:"rank"`
	File int8 `json:"file"`
}

func Sq(rank, file int) Square { return Square{Rank: int8(rank), File: int8(file)} }

func (s Square) Valid() bool {
	return s.Rank >= 0 && s.Rank < Size && s.File >= 0 && s.File < Size
}

func (s Square) String() string {
	if !s.Valid() {
		return "-"
	}
	return string([]byte{'a' + byte(s.File), '1' + byte(s.Rank)})
}

func (s Square) index() int { return int(s.Rank)*Size + int(s.File) }

func squareAt(i int) Square { return Square{Rank: int8(i / Size), File: int8(i % Size)} }

// ParseSquare reads algebraic coordinates such as "e2".
func ParseSquare(s string) (Square, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if len(v) != 2 || v[0] < 'a' || v[0] > 'h' || v[1] < '1' || v[1] > '8' {
		return Square{}, fmt.Errorf("invalid square %q", s)
	}
	return Square{Rank: int8(v[1] - '1'), File: int8(v[0] - 'a')}, nil
}

func (s Square) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Square) UnmarshalText(b []byte) error {
	v, err := ParseSquare(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Piece is owned by the board; callers only ever see copies.
type Piece struct {
	Kind   Kind   `json:"kind"`
	Color  Color  `json:"color"`
	Square Square `json:"square"`
}

// Move is a board-level move. Promotion is optional; when empty the rule set's
// default promotion applies (crowning in checkers, queen in chess).
type Move struct {
	From      Square `json:"from"`
	To        Square `json:"to"`
	Promotion Kind   `json:"promotion,omitempty"`
}

func (m Move) String() string {
	s := m.From.String() + m.To.String()
	if m.Promotion != NoKind {
		s += "=" + string(m.Promotion)
	}
	return s
}

// Result describes what an applied move did.
type Result struct {
	Captured []Piece `json:"captured,omitempty"`
	Promoted bool    `json:"promoted,omitempty"`
	GameOver bool    `json:"game_over"`
	Winner   Color   `json:"winner,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}
