package render

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/park285/cheese-lan/internal/board"
)

func decode(t *testing.T, raw []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func sameRGB(a, b interface{ RGBA() (r, g, b, a uint32) }) bool {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()
	return ar == br && ag == bg && ab == bb
}

func TestPNGSizeAndSquares(t *testing.T) {
	raw, err := PNG(context.Background(), nil, Options{SquareSize: 20})
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	img := decode(t, raw)
	want := image.Rect(0, 0, 20*8+2*margin, 20*8+2*margin+headerHeight)
	if img.Bounds() != want {
		t.Fatalf("bounds = %v, want %v", img.Bounds(), want)
	}
	// a1 is dark and sits bottom-left from White's side
	a1 := squareRect(board.Sq(0, 0), 20, image.Pt(margin, margin+headerHeight), false)
	if !sameRGB(img.At(a1.Min.X+1, a1.Min.Y+1), darkSquare) {
		t.Fatalf("a1 is not dark")
	}
}

func TestPiecesAreDrawn(t *testing.T) {
	m := board.NewModel(board.Checkers{})
	raw, err := PNG(context.Background(), m.Pieces(), Options{SquareSize: 40, Header: "alice vs bob"})
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	img := decode(t, raw)
	origin := image.Pt(margin, margin+headerHeight)
	c1 := squareRect(board.Sq(0, 2), 40, origin, false)
	center := img.At(c1.Min.X+20, c1.Min.Y+10)
	if sameRGB(center, darkSquare) {
		t.Fatalf("no piece drawn on c1")
	}
	d4 := squareRect(board.Sq(3, 3), 40, origin, false)
	if !sameRGB(img.At(d4.Min.X+20, d4.Min.Y+20), darkSquare) {
		t.Fatalf("empty d4 is not plain")
	}
}

func TestPerspectiveFlips(t *testing.T) {
	origin := image.Pt(0, 0)
	white := squareRect(board.Sq(0, 0), 10, origin, false)
	black := squareRect(board.Sq(0, 0), 10, origin, true)
	if white.Min != image.Pt(0, 70) || black.Min != image.Pt(70, 0) {
		t.Fatalf("white %v black %v", white.Min, black.Min)
	}
}

func TestChessPieces(t *testing.T) {
	m := board.NewModel(board.Chess{})
	mv := board.Move{From: board.Sq(1, 4), To: board.Sq(3, 4)}
	if _, err := m.Apply(mv); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := PNG(context.Background(), m.Pieces(), Options{Perspective: board.Black, Highlight: &mv}); err != nil {
		t.Fatalf("PNG: %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := PNG(ctx, nil, Options{}); err == nil {
		t.Fatalf("expected context error")
	}
}
