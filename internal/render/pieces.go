package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// 실루엣은 45x45 viewBox 기준. 받침대는 공통, 머리 모양으로 기물을 구분한다.
const pieceBase = `<path d="M9 39 L36 39 L36 35 L9 35 Z"/><path d="M14 35 L31 35 L28 24 L17 24 Z"/>`

var pieceHeads = map[nchess.PieceType]string{
	nchess.Pawn:   `<circle cx="22.5" cy="18" r="6"/>`,
	nchess.Rook:   `<path d="M13 24 L32 24 L32 11 L28 11 L28 14 L25 14 L25 11 L20 11 L20 14 L17 14 L17 11 L13 11 Z"/>`,
	nchess.Knight: `<path d="M16 24 L30 24 C30 15 27 9 20 7 L19 11 L12 17 L14 20 L19 17 Z"/>`,
	nchess.Bishop: `<path d="M22.5 6 C28 11 29 17 26 24 L19 24 C16 17 17 11 22.5 6 Z"/>`,
	nchess.Queen:  `<path d="M12 24 L33 24 L36 9 L29 17 L27 7 L22.5 16 L18 7 L16 17 L9 9 Z"/>`,
	nchess.King:   `<path d="M13 24 L32 24 L33 15 L12 15 Z"/><path d="M21 4 L24 4 L24 7 L27 7 L27 10 L24 10 L24 15 L21 15 L21 10 L18 10 L18 7 L21 7 Z"/>`,
}

type pieceCacheKey struct {
	piece nchess.Piece
	size  int
}

var (
	pieceCache   = map[pieceCacheKey]image.Image{}
	pieceCacheMu sync.RWMutex
)

func pieceSVG(piece nchess.Piece) ([]byte, error) {
	head, ok := pieceHeads[piece.Type()]
	if !ok {
		return nil, fmt.Errorf("no glyph for piece %v", piece)
	}
	fill, stroke := "#f8f8f8", "#1b1b1b"
	if piece.Color() == nchess.Black {
		fill, stroke = "#2b2b2b", "#d0d0d0"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 45 45" width="45" height="45">`)
	fmt.Fprintf(&b, `<g fill="%s" stroke="%s" stroke-width="1.5">%s%s</g></svg>`, fill, stroke, pieceBase, head)
	return b.Bytes(), nil
}

func renderPieceImage(piece nchess.Piece, size int) (image.Image, error) {
	key := pieceCacheKey{piece: piece, size: size}

	pieceCacheMu.RLock()
	if img, ok := pieceCache[key]; ok {
		pieceCacheMu.RUnlock()
		return img, nil
	}
	pieceCacheMu.RUnlock()

	data, err := pieceSVG(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
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
