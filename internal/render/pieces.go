package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/park285/cheese-lan/internal/board"
)

type pieceCacheKey struct {
	kind  board.Kind
	color board.Color
	size  int
}

var (
	pieceCache   = map[pieceCacheKey]image.Image{}
	pieceCacheMu sync.RWMutex
)

// tokenSVG draws a round token; crowned tokens get an inner ring.
const tokenSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100">
<circle cx="50" cy="52" r="40" fill="#000000" fill-opacity="0.25"/>
<circle cx="50" cy="48" r="40" fill="%s" stroke="%s" stroke-width="4"/>
<circle cx="50" cy="48" r="28" fill="none" stroke="%s" stroke-width="3"/>
%s</svg>`

const crownSVG = `<path d="M30 58 L30 38 L40 48 L50 32 L60 48 L70 38 L70 58 Z" fill="%s"/>`

func pieceSVG(p board.Piece) string {
	fill, stroke := "#f4f1ea", "#3a3a3a"
	if p.Color == board.Black {
		fill, stroke = "#2b2b2b", "#d9d9d9"
	}
	extra := ""
	if p.Kind == board.King {
		extra = fmt.Sprintf(crownSVG, stroke)
	}
	return fmt.Sprintf(tokenSVG, fill, stroke, stroke, extra)
}

func renderPieceImage(p board.Piece, size int) (image.Image, error) {
	key := pieceCacheKey{kind: p.Kind, color: p.Color, size: size}

	pieceCacheMu.RLock()
	if img, ok := pieceCache[key]; ok {
		pieceCacheMu.RUnlock()
		return img, nil
	}
	pieceCacheMu.RUnlock()

	icon, err := oksvg.ReadIconStream(strings.NewReader(pieceSVG(p)))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	pieceCacheMu.Lock()
	pieceCache[key] = img
	pieceCacheMu.Unlock()

	return img, nil
}

// pieceLetter labels chess pieces; checkers men and kings carry none.
func pieceLetter(k board.Kind) string {
	switch k {
	case board.Queen:
		return "Q"
	case board.Rook:
		return "R"
	case board.Bishop:
		return "B"
	case board.Knight:
		return "N"
	case board.Pawn:
		return "P"
	}
	return ""
}
