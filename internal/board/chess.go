package board

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Chess is orthodox chess, with move generation and end detection delegated to
// corentings/chess. Positions keep the start FEN plus the UCI move list so that clones
// retain repetition history.
type Chess struct{}

func (Chess) Name() string { return "chess" }

func (Chess) NewPosition() Position {
	return &chessPosition{game: nchess.NewGame()}
}

func (Chess) ParsePosition(text []byte) (Position, error) {
	fen := strings.TrimSpace(string(text))
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("chess position: %w", err)
	}
	return &chessPosition{start: fen, game: nchess.NewGame(opt)}, nil
}

type chessPosition struct {
	start string
	moves []string
	game  *nchess.Game
}

func (p *chessPosition) Turn() Color { return colorFrom(p.game.Position().Turn()) }

func (p *chessPosition) PieceAt(sq Square) (Piece, bool) {
	pc := p.game.Position().Board().Piece(toSquare(sq))
	if pc == nchess.NoPiece {
		return Piece{}, false
	}
	return Piece{Kind: kindFrom(pc.Type()), Color: colorFrom(pc.Color()), Square: sq}, true
}

func (p *chessPosition) Pieces() []Piece {
	var out []Piece
	for sq, pc := range p.game.Position().Board().SquareMap() {
		if pc == nchess.NoPiece {
			continue
		}
		out = append(out, Piece{Kind: kindFrom(pc.Type()), Color: colorFrom(pc.Color()), Square: fromSquare(sq)})
	}
	return out
}

func (p *chessPosition) Moves(from Square) []Move {
	if p.game.Outcome() != nchess.NoOutcome {
		return nil
	}
	origin := toSquare(from)
	var out []Move
	for _, mv := range p.game.Position().ValidMoves() {
		if mv.S1() != origin {
			continue
		}
		out = append(out, Move{From: from, To: fromSquare(mv.S2()), Promotion: kindFrom(mv.Promo())})
	}
	// queen first so an untagged promotion defaults to it
	for i := range out {
		if out[i].Promotion == Queen && i > 0 {
			for j := 0; j < i; j++ {
				if out[j].To == out[i].To {
					out[j], out[i] = out[i], out[j]
					break
				}
			}
		}
	}
	return out
}

func (p *chessPosition) Play(m Move) (Result, error) {
	var res Result
	before := p.game.Position().Board()
	mover := before.Piece(toSquare(m.From))
	if target := before.Piece(toSquare(m.To)); target != nchess.NoPiece {
		res.Captured = append(res.Captured, Piece{Kind: kindFrom(target.Type()), Color: colorFrom(target.Color()), Square: m.To})
	} else if mover.Type() == nchess.Pawn && m.From.File != m.To.File {
		sq := Square{Rank: m.From.Rank, File: m.To.File}
		if ep := before.Piece(toSquare(sq)); ep != nchess.NoPiece {
			res.Captured = append(res.Captured, Piece{Kind: Pawn, Color: colorFrom(ep.Color()), Square: sq})
		}
	}

	uci := toUCI(m)
	if err := p.game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Result{}, err
	}
	p.moves = append(p.moves, uci)
	res.Promoted = m.Promotion != NoKind

	switch p.game.Outcome() {
	case nchess.WhiteWon:
		res.GameOver, res.Winner = true, White
	case nchess.BlackWon:
		res.GameOver, res.Winner = true, Black
	case nchess.Draw:
		res.GameOver = true
	}
	if res.GameOver {
		res.Reason = methodName(p.game.Method())
	}
	return res, nil
}

func (p *chessPosition) MarshalText() ([]byte, error) { return []byte(p.game.FEN()), nil }

func (p *chessPosition) Clone() Position {
	g := nchess.NewGame()
	if p.start != "" {
		if opt, err := nchess.FEN(p.start); err == nil {
			g = nchess.NewGame(opt)
		}
	}
	for _, mv := range p.moves {
		if err := g.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			break
		}
	}
	return &chessPosition{start: p.start, moves: append([]string(nil), p.moves...), game: g}
}

func toSquare(sq Square) nchess.Square {
	return nchess.NewSquare(nchess.File(sq.File), nchess.Rank(sq.Rank))
}

func fromSquare(sq nchess.Square) Square {
	return Square{Rank: int8(sq.Rank()), File: int8(sq.File())}
}

func toUCI(m Move) string {
	s := m.From.String() + m.To.String()
	switch m.Promotion {
	case Queen:
		s += "q"
	case Rook:
		s += "r"
	case Bishop:
		s += "b"
	case Knight:
		s += "n"
	}
	return s
}

func colorFrom(c nchess.Color) Color {
	switch c {
	case nchess.White:
		return White
	case nchess.Black:
		return Black
	default:
		return NoColor
	}
}

func kindFrom(t nchess.PieceType) Kind {
	switch t {
	case nchess.King:
		return King
	case nchess.Queen:
		return Queen
	case nchess.Rook:
		return Rook
	case nchess.Bishop:
		return Bishop
	case nchess.Knight:
		return Knight
	case nchess.Pawn:
		return Pawn
	default:
		return NoKind
	}
}

func methodName(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Stalemate:
		return "stalemate"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return "repetition"
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return "move_rule"
	default:
		return "draw"
	}
}

// SAN replays moves from the initial chess position and returns them in standard
// algebraic notation. A pawn reaching the last rank without a promotion tag becomes a queen.
func SAN(moves []Move) ([]string, error) {
	g := nchess.NewGame()
	out := make([]string, 0, len(moves))
	for i, m := range moves {
		pos := g.Position()
		uci := toUCI(m)
		if err := g.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			if m.Promotion != NoKind {
				return out, fmt.Errorf("move %d %s: %w", i+1, uci, err)
			}
			uci += "q"
			if err := g.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
				return out, fmt.Errorf("move %d %s: %w", i+1, uci, err)
			}
		}
		mv, err := nchess.UCINotation{}.Decode(pos, uci)
		if err != nil {
			return out, fmt.Errorf("move %d %s: %w", i+1, uci, err)
		}
		out = append(out, nchess.AlgebraicNotation{}.Encode(pos, mv))
	}
	return out, nil
}
