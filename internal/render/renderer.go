// Package render draws board snapshots as PNG.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/cheese-lan/internal/board"
)

const (
	DefaultSquareSize = 64
	margin            = 24
	headerHeight      = 28
)

type Options struct {
	SquareSize int
	// Perspective puts that side at the bottom; NoColor means White.
	Perspective board.Color
	Highlight   *board.Move
	Header      string
}

var (
	lightSquare     = color.RGBA{233, 207, 163, 255}
	darkSquare      = color.RGBA{187, 136, 96, 255}
	backgroundColor = color.RGBA{28, 31, 46, 255}
	highlightFill   = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	coordinateColor = color.NRGBA{R: 8, G: 214, B: 120, A: 255}
	headerColor     = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
	letterLight     = color.NRGBA{R: 40, G: 40, B: 40, A: 255}
	letterDark      = color.NRGBA{R: 240, G: 240, B: 240, A: 255}
)

// PNG renders pieces on an 8x8 board.
func PNG(ctx context.Context, pieces map[board.Square]board.Piece, opts Options) ([]byte, error) {
	size := opts.SquareSize
	if size <= 0 {
		size = DefaultSquareSize
	}
	boardSize := size * board.Size
	origin := image.Point{X: margin, Y: margin + headerHeight}
	img := image.NewRGBA(image.Rect(0, 0, boardSize+2*margin, boardSize+2*margin+headerHeight))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	flip := opts.Perspective == board.Black
	drawSquares(img, size, origin, flip)
	if h := opts.Highlight; h != nil {
		drawSquareOverlay(img, squareRect(h.From, size, origin, flip), highlightFill)
		drawSquareOverlay(img, squareRect(h.To, size, origin, flip), highlightFill)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	drawer := &font.Drawer{Dst: img, Face: basicfont.Face7x13}
	for sq, p := range pieces {
		if !sq.Valid() {
			continue
		}
		tile, err := renderPieceImage(p, size)
		if err != nil {
			return nil, err
		}
		rect := squareRect(sq, size, origin, flip)
		imagedraw.Draw(img, rect, tile, image.Point{}, imagedraw.Over)
		if l := pieceLetter(p.Kind); l != "" {
			drawer.Src = image.NewUniform(letterLight)
			if p.Color == board.Black {
				drawer.Src = image.NewUniform(letterDark)
			}
			drawCenteredText(drawer, l, rect.Min.X+size/2, rect.Min.Y+size/2+4)
		}
	}
	drawCoordinates(drawer, size, origin, flip)
	if h := strings.TrimSpace(opts.Header); h != "" {
		drawer.Src = image.NewUniform(headerColor)
		drawer.Dot = fixed.P(margin, margin+headerHeight/2)
		drawer.DrawString(h)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawSquares(dst imagedraw.Image, size int, origin image.Point, flip bool) {
	for r := 0; r < board.Size; r++ {
		for f := 0; f < board.Size; f++ {
			sq := board.Sq(r, f)
			imagedraw.Draw(dst, squareRect(sq, size, origin, flip), image.NewUniform(squareColor(sq)), image.Point{}, imagedraw.Src)
		}
	}
}

func drawSquareOverlay(img *image.RGBA, rect image.Rectangle, clr color.Color) {
	imagedraw.Draw(img, rect, image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

func drawCoordinates(drawer *font.Drawer, size int, origin image.Point, flip bool) {
	drawer.Src = image.NewUniform(coordinateColor)
	ascent := drawer.Face.Metrics().Ascent.Ceil()
	for i := 0; i < board.Size; i++ {
		rank, file := i, i
		row, col := board.Size-1-i, i
		if flip {
			row, col = i, board.Size-1-i
		}
		drawCenteredText(drawer, fmt.Sprint(rank+1), origin.X-margin/2, origin.Y+row*size+size/2+ascent/2)
		drawCenteredText(drawer, string(rune('a'+file)), origin.X+col*size+size/2, origin.Y+board.Size*size+ascent+4)
	}
}

func drawCenteredText(drawer *font.Drawer, text string, centerX, baseline int) {
	if text == "" {
		return
	}
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}

func squareRect(sq board.Square, size int, origin image.Point, flip bool) image.Rectangle {
	row := board.Size - 1 - int(sq.Rank)
	col := int(sq.File)
	if flip {
		row, col = int(sq.Rank), board.Size-1-int(sq.File)
	}
	x := origin.X + col*size
	y := origin.Y + row*size
	return image.Rect(x, y, x+size, y+size)
}

func squareColor(sq board.Square) color.Color {
	if (int(sq.File)+int(sq.Rank))%2 == 0 {
		return darkSquare
	}
	return lightSquare
}
