package board

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// checkersQuietLimit ends the game as a draw after this many plies without a capture
// or a man move.
const checkersQuietLimit = 80

// Checkers is English draughts on the 32 dark squares: men move and capture forward,
// kings both ways one step, captures are mandatory and a multi-jump is a single move.
// A man reaching the far rank is crowned and its move ends there.
type Checkers struct{}

func (Checkers) Name() string { return "checkers" }

func (Checkers) NewPosition() Position {
	p := &checkersPosition{turn: White}
	for i := range p.cells {
		sq := squareAt(i)
		if !isDark(sq) {
			continue
		}
		switch {
		case sq.Rank <= 2:
			p.cells[i] = cell{color: White}
		case sq.Rank >= Size-3:
			p.cells[i] = cell{color: Black}
		}
	}
	return p
}

func (Checkers) ParsePosition(text []byte) (Position, error) {
	parts := strings.Split(strings.TrimSpace(string(text)), "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("checkers position: want 3 fields, got %d", len(parts))
	}
	p := &checkersPosition{}
	switch parts[0] {
	case "w":
		p.turn = White
	case "b":
		p.turn = Black
	default:
		return nil, fmt.Errorf("checkers position: bad turn %q", parts[0])
	}
	if len(parts[1]) != 32 {
		return nil, fmt.Errorf("checkers position: want 32 squares, got %d", len(parts[1]))
	}
	j := 0
	for i := range p.cells {
		if !isDark(squareAt(i)) {
			continue
		}
		switch parts[1][j] {
		case '.':
		case 'w':
			p.cells[i] = cell{color: White}
		case 'W':
			p.cells[i] = cell{color: White, king: true}
		case 'b':
			p.cells[i] = cell{color: Black}
		case 'B':
			p.cells[i] = cell{color: Black, king: true}
		default:
			return nil, fmt.Errorf("checkers position: bad square %q", parts[1][j])
		}
		j++
	}
	q, err := strconv.Atoi(parts[2])
	if err != nil || q < 0 {
		return nil, fmt.Errorf("checkers position: bad quiet counter %q", parts[2])
	}
	p.quiet = q
	return p, nil
}

type cell struct {
	color Color
	king  bool
}

func (c cell) empty() bool { return c.color == NoColor }

type checkersPosition struct {
	cells [Size * Size]cell
	turn  Color
	quiet int
}

func isDark(sq Square) bool { return (sq.Rank+sq.File)%2 == 0 }

func crownRank(c Color) int8 {
	if c == White {
		return Size - 1
	}
	return 0
}

type step struct{ dr, df int8 }

func directions(c Color, king bool) []step {
	if king {
		return []step{{1, -1}, {1, 1}, {-1, -1}, {-1, 1}}
	}
	if c == White {
		return []step{{1, -1}, {1, 1}}
	}
	return []step{{-1, -1}, {-1, 1}}
}

func (p *checkersPosition) Turn() Color { return p.turn }

func (p *checkersPosition) PieceAt(sq Square) (Piece, bool) {
	c := p.cells[sq.index()]
	if c.empty() {
		return Piece{}, false
	}
	return c.piece(sq), true
}

func (c cell) piece(sq Square) Piece {
	k := Man
	if c.king {
		k = King
	}
	return Piece{Kind: k, Color: c.color, Square: sq}
}

func (p *checkersPosition) Pieces() []Piece {
	var out []Piece
	for i, c := range p.cells {
		if !c.empty() {
			out = append(out, c.piece(squareAt(i)))
		}
	}
	return out
}

func (p *checkersPosition) Clone() Position {
	cp := *p
	return &cp
}

type jump struct {
	to       Square
	captured []Square
	crowned  bool
}

// jumps enumerates every maximal capture sequence starting at from, longest first.
func (p *checkersPosition) jumps(from Square) []jump {
	pc := p.cells[from.index()]
	if pc.empty() {
		return nil
	}
	var out []jump
	taken := make(map[Square]bool)
	var walk func(at Square, caps []Square)
	walk = func(at Square, caps []Square) {
		extended := false
		for _, d := range directions(pc.color, pc.king) {
			over := Square{Rank: at.Rank + d.dr, File: at.File + d.df}
			land := Square{Rank: at.Rank + 2*d.dr, File: at.File + 2*d.df}
			if !over.Valid() || !land.Valid() || taken[over] {
				continue
			}
			if p.cells[over.index()].color != pc.color.Opposite() {
				continue
			}
			if !p.cells[land.index()].empty() && land != from {
				continue
			}
			next := append(append([]Square(nil), caps...), over)
			extended = true
			if !pc.king && land.Rank == crownRank(pc.color) {
				out = append(out, jump{to: land, captured: next, crowned: true})
				continue
			}
			taken[over] = true
			walk(land, next)
			delete(taken, over)
		}
		if !extended && len(caps) > 0 {
			out = append(out, jump{to: at, captured: caps})
		}
	}
	walk(from, nil)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].captured) > len(out[j].captured) })
	return out
}

func (p *checkersPosition) mustCapture(c Color) bool {
	for i, cl := range p.cells {
		if cl.color == c && len(p.jumps(squareAt(i))) > 0 {
			return true
		}
	}
	return false
}

func (p *checkersPosition) Moves(from Square) []Move {
	pc := p.cells[from.index()]
	if pc.empty() || pc.color != p.turn {
		return nil
	}
	var out []Move
	if js := p.jumps(from); len(js) > 0 {
		for _, j := range js {
			out = append(out, Move{From: from, To: j.to, Promotion: crownTag(j.crowned)})
		}
		return out
	}
	if p.mustCapture(p.turn) {
		return nil
	}
	for _, d := range directions(pc.color, pc.king) {
		to := Square{Rank: from.Rank + d.dr, File: from.File + d.df}
		if !to.Valid() || !p.cells[to.index()].empty() {
			continue
		}
		out = append(out, Move{From: from, To: to, Promotion: crownTag(!pc.king && to.Rank == crownRank(pc.color))})
	}
	return out
}

func crownTag(crowned bool) Kind {
	if crowned {
		return King
	}
	return NoKind
}

func (p *checkersPosition) Play(m Move) (Result, error) {
	pc := p.cells[m.From.index()]
	if pc.empty() || pc.color != p.turn {
		return Result{}, fmt.Errorf("no %s piece on %s", p.turn, m.From)
	}
	var res Result
	var captured []Square
	if js := p.jumps(m.From); len(js) > 0 {
		found := false
		for _, j := range js {
			if j.to == m.To {
				captured = j.captured
				found = true
				break
			}
		}
		if !found {
			return Result{}, fmt.Errorf("%s must capture", m.From)
		}
	} else if abs8(m.To.Rank-m.From.Rank) != 1 || abs8(m.To.File-m.From.File) != 1 || !p.cells[m.To.index()].empty() {
		return Result{}, fmt.Errorf("%s is not a step", m)
	}

	for _, sq := range captured {
		res.Captured = append(res.Captured, p.cells[sq.index()].piece(sq))
		p.cells[sq.index()] = cell{}
	}
	p.cells[m.From.index()] = cell{}
	if !pc.king && m.To.Rank == crownRank(pc.color) {
		pc.king = true
		res.Promoted = true
	}
	p.cells[m.To.index()] = pc

	if len(captured) > 0 || !pc.king || res.Promoted {
		p.quiet = 0
	} else {
		p.quiet++
	}
	mover := p.turn
	p.turn = mover.Opposite()

	switch {
	case !p.hasPieces(p.turn):
		res.GameOver, res.Winner, res.Reason = true, mover, "no_pieces"
	case !p.hasMoves(p.turn):
		res.GameOver, res.Winner, res.Reason = true, mover, "no_moves"
	case p.quiet >= checkersQuietLimit:
		res.GameOver, res.Reason = true, "quiet_limit"
	}
	return res, nil
}

func (p *checkersPosition) hasPieces(c Color) bool {
	for _, cl := range p.cells {
		if cl.color == c {
			return true
		}
	}
	return false
}

func (p *checkersPosition) hasMoves(c Color) bool {
	for i, cl := range p.cells {
		if cl.color == c && len(p.Moves(squareAt(i))) > 0 {
			return true
		}
	}
	return false
}

func (p *checkersPosition) MarshalText() ([]byte, error) {
	var b strings.Builder
	if p.turn == Black {
		b.WriteString("b/")
	} else {
		b.WriteString("w/")
	}
	for i, c := range p.cells {
		if !isDark(squareAt(i)) {
			continue
		}
		switch {
		case c.empty():
			b.WriteByte('.')
		case c.color == White && c.king:
			b.WriteByte('W')
		case c.color == White:
			b.WriteByte('w')
		case c.king:
			b.WriteByte('B')
		default:
			b.WriteByte('b')
		}
	}
	b.WriteString("/")
	b.WriteString(strconv.Itoa(p.quiet))
	return []byte(b.String()), nil
}

func abs8(v int8) int8 {
	if v < 0 {
		return -v
	}
	return v
}
