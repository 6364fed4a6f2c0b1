package board

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkersModel builds a model from a sparse layout such as {"c3": 'w', "d4": 'b'}.
func checkersModel(t *testing.T, turn string, layout map[string]byte) *Model {
	t.Helper()
	var b strings.Builder
	b.WriteString(turn + "/")
	for i := 0; i < Size*Size; i++ {
		sq := squareAt(i)
		if !isDark(sq) {
			continue
		}
		if c, ok := layout[sq.String()]; ok {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	b.WriteString("/0")
	pos, err := Checkers{}.ParsePosition([]byte(b.String()))
	require.NoError(t, err)
	m := NewModel(Checkers{})
	m.pos = pos
	return m
}

func sq(t *testing.T, s string) Square {
	t.Helper()
	v, err := ParseSquare(s)
	require.NoError(t, err)
	return v
}

func TestCheckersStartingLayout(t *testing.T) {
	m := NewModel(Checkers{})
	pieces := m.Pieces()
	if len(pieces) != 24 {
		t.Fatalf("expected 24 pieces, got %d", len(pieces))
	}
	if m.Turn() != White {
		t.Fatalf("white moves first, got %s", m.Turn())
	}
	p, ok := m.PieceAt(sq(t, "a1"))
	if !ok || p.Color != White || p.Kind != Man {
		t.Fatalf("a1: %+v %v", p, ok)
	}
	if _, ok := m.PieceAt(sq(t, "b1")); ok {
		t.Fatalf("light square b1 must be empty")
	}
	p, ok = m.PieceAt(sq(t, "h8"))
	if !ok || p.Color != Black {
		t.Fatalf("h8: %+v %v", p, ok)
	}
}

func TestCheckersOpeningMoves(t *testing.T) {
	m := NewModel(Checkers{})
	assert.ElementsMatch(t, []Square{sq(t, "b4"), sq(t, "d4")}, m.LegalMoves(sq(t, "c3")))
	assert.ElementsMatch(t, []Square{sq(t, "b4")}, m.LegalMoves(sq(t, "a3")))
	assert.Empty(t, m.LegalMoves(sq(t, "b2")), "blocked man")
	assert.Empty(t, m.LegalMoves(sq(t, "b6")), "black is not to move")
	assert.Empty(t, m.LegalMoves(sq(t, "d4")), "empty square")
}

func TestCheckersApplyMovesOnePiece(t *testing.T) {
	m := NewModel(Checkers{})
	before := m.Pieces()
	res, err := m.Apply(Move{From: sq(t, "c3"), To: sq(t, "d4")})
	require.NoError(t, err)
	assert.False(t, res.GameOver)
	assert.Empty(t, res.Captured)

	after := m.Pieces()
	if _, ok := after[sq(t, "c3")]; ok {
		t.Fatalf("source still occupied")
	}
	if p := after[sq(t, "d4")]; p.Color != White || p.Kind != Man {
		t.Fatalf("destination: %+v", p)
	}
	for s, p := range before {
		if s == sq(t, "c3") {
			continue
		}
		if after[s] != p {
			t.Fatalf("square %s changed: %+v -> %+v", s, p, after[s])
		}
	}
	assert.Equal(t, Black, m.Turn())
	assert.Equal(t, 1, m.Plies())
}

func TestCheckersIllegalMoveLeavesBoard(t *testing.T) {
	m := NewModel(Checkers{})
	before, _ := m.Serialize()

	cases := []Move{
		{From: sq(t, "c3"), To: sq(t, "c4")},
		{From: sq(t, "c3"), To: sq(t, "e5")},
		{From: sq(t, "d4"), To: sq(t, "e5")},
		{From: sq(t, "b6"), To: sq(t, "a5")},
		{From: Square{Rank: 9, File: 0}, To: sq(t, "a1")},
	}
	for _, mv := range cases {
		_, err := m.Apply(mv)
		if err == nil {
			t.Fatalf("%v: expected rejection", mv)
		}
		if !errors.Is(err, gameerr.ErrIllegalMove) {
			t.Fatalf("%v: expected illegal move error, got %v", mv, err)
		}
	}
	after, _ := m.Serialize()
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, White, m.Turn())
}

func TestCheckersForcedCapture(t *testing.T) {
	m := checkersModel(t, "w", map[string]byte{"c3": 'w', "g3": 'w', "d4": 'b'})
	assert.Empty(t, m.LegalMoves(sq(t, "g3")), "a capture elsewhere is mandatory")
	assert.Equal(t, []Square{sq(t, "e5")}, m.LegalMoves(sq(t, "c3")))

	res, err := m.Apply(Move{From: sq(t, "c3"), To: sq(t, "e5")})
	require.NoError(t, err)
	require.Len(t, res.Captured, 1)
	assert.Equal(t, sq(t, "d4"), res.Captured[0].Square)
	assert.True(t, res.GameOver)
	assert.Equal(t, White, res.Winner)
	assert.Equal(t, "no_pieces", res.Reason)
}

func TestCheckersMultiJump(t *testing.T) {
	m := checkersModel(t, "w", map[string]byte{"c1": 'w', "d2": 'b', "f4": 'b', "h8": 'b'})
	assert.Equal(t, []Square{sq(t, "g5")}, m.LegalMoves(sq(t, "c1")))

	res, err := m.Apply(Move{From: sq(t, "c1"), To: sq(t, "g5")})
	require.NoError(t, err)
	assert.Len(t, res.Captured, 2)
	assert.False(t, res.GameOver)
	pieces := m.Pieces()
	assert.Len(t, pieces, 2)
	assert.Equal(t, White, pieces[sq(t, "g5")].Color)
}

func TestCheckersCrowning(t *testing.T) {
	m := checkersModel(t, "w", map[string]byte{"a7": 'w', "h2": 'b'})
	res, err := m.Apply(Move{From: sq(t, "a7"), To: sq(t, "b8")})
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	p, ok := m.PieceAt(sq(t, "b8"))
	require.True(t, ok)
	assert.Equal(t, King, p.Kind)

	// the king now steps backwards too
	_, err = m.Apply(Move{From: sq(t, "h2"), To: sq(t, "g1")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []Square{sq(t, "a7"), sq(t, "c7")}, m.LegalMoves(sq(t, "b8")))
}

func TestCheckersNoMovesLoses(t *testing.T) {
	// black man on a1 can't move forward off the board and white's move blocks nothing else
	m := checkersModel(t, "w", map[string]byte{"g1": 'w', "a1": 'b', "h8": 'W'})
	res, err := m.Apply(Move{From: sq(t, "h8"), To: sq(t, "g7")})
	require.NoError(t, err)
	assert.True(t, res.GameOver)
	assert.Equal(t, White, res.Winner)
	assert.Equal(t, "no_moves", res.Reason)
}

func TestCheckersSerializeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	m := NewModel(Checkers{})
	for ply := 0; ply < 120; ply++ {
		raw, err := m.Serialize()
		require.NoError(t, err)
		cp := NewModel(Checkers{})
		require.NoError(t, cp.Deserialize(raw))
		assert.Equal(t, m.Pieces(), cp.Pieces())
		assert.Equal(t, m.Turn(), cp.Turn())
		assert.Equal(t, m.Plies(), cp.Plies())
		assert.Equal(t, m.Digest(), cp.Digest())

		mv, ok := randomMove(m, rng)
		if !ok {
			break
		}
		res, err := m.Apply(mv)
		require.NoError(t, err)
		if res.GameOver {
			break
		}
	}
}

// Every legal move touches only its source, destination and captured squares.
func TestCheckersApplyTouchesOnlyMoveSquares(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*31))
		m := NewModel(Checkers{})
		for ply := 0; ply < 200; ply++ {
			mv, ok := randomMove(m, rng)
			if !ok {
				break
			}
			before := m.Pieces()
			res, err := m.Apply(mv)
			require.NoError(t, err)
			after := m.Pieces()

			touched := map[Square]bool{mv.From: true, mv.To: true}
			for _, c := range res.Captured {
				touched[c.Square] = true
				_, still := after[c.Square]
				assert.False(t, still, "captured square %s still occupied", c.Square)
			}
			for s := range before {
				if !touched[s] {
					assert.Equal(t, before[s], after[s], "seed %d ply %d square %s", seed, ply, s)
				}
			}
			for s := range after {
				if !touched[s] {
					assert.Equal(t, before[s], after[s], "seed %d ply %d square %s", seed, ply, s)
				}
			}
			assert.Len(t, after, len(before)-len(res.Captured))
			if res.GameOver {
				break
			}
		}
	}
}

func randomMove(m *Model, rng *rand.Rand) (Move, bool) {
	var all []Move
	for s, p := range m.Pieces() {
		if p.Color != m.Turn() {
			continue
		}
		for _, to := range m.LegalMoves(s) {
			all = append(all, Move{From: s, To: to})
		}
	}
	if len(all) == 0 {
		return Move{}, false
	}
	// map iteration order is random; sort for a reproducible pick
	sortMoves(all)
	return all[rng.IntN(len(all))], true
}

func sortMoves(ms []Move) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].String() < ms[j-1].String(); j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

func TestDeserializeRejectsOtherRules(t *testing.T) {
	raw, err := NewModel(Chess{}).Serialize()
	require.NoError(t, err)
	err = NewModel(Checkers{}).Deserialize(raw)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	r, err := Lookup(" Chess ")
	require.NoError(t, err)
	assert.Equal(t, "chess", r.Name())
	_, err = Lookup("go")
	assert.Error(t, err)
	assert.Equal(t, []string{"checkers", "chess"}, Names())
}
