package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var ErrNilBoard = errors.New("board is nil")

// Highlight marks the last move.
type Highlight struct {
	From nchess.Square
	To   nchess.Square
}

type Options struct {
	Highlight *Highlight
	Header    string
	Footer    string
}

// Renderer draws a board snapshot as PNG for operator diagnostics.
type Renderer struct {
	squareSize int
}

func New(squareSize int) *Renderer {
	if squareSize < 16 {
		squareSize = 48
	}
	return &Renderer{squareSize: squareSize}
}

func (r *Renderer) RenderPNG(ctx context.Context, board *nchess.Board, opts Options) ([]byte, error) {
	if board == nil {
		return nil, ErrNilBoard
	}
	const (
		sideMargin = 24
		topMargin  = 36
		bottom     = 36
	)
	sq := r.squareSize
	boardSize := sq * 8
	origin := image.Point{X: sideMargin, Y: topMargin}
	img := image.NewRGBA(image.Rect(0, 0, boardSize+sideMargin*2, boardSize+topMargin+bottom))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	drawSquares(img, sq, origin)
	if opts.Highlight != nil {
		drawSquareOverlay(img, opts.Highlight.From, sq, origin, highlightColor)
		drawSquareOverlay(img, opts.Highlight.To, sq, origin, highlightColor)
	}
	if err := drawPieces(img, board, sq, origin); err != nil {
		return nil, err
	}
	drawCoordinates(img, sq, origin, sideMargin)
	drawCaption(img, opts.Header, image.Rect(origin.X, 0, origin.X+boardSize, topMargin-6))
	drawCaption(img, opts.Footer, image.Rect(origin.X, origin.Y+boardSize+14, origin.X+boardSize, img.Bounds().Max.Y))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

var (
	lightSquare     = color.RGBA{233, 207, 163, 255}
	darkSquare      = color.RGBA{187, 136, 96, 255}
	backgroundColor = color.RGBA{28, 31, 46, 255}
	highlightColor  = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	textColor       = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
	coordinateColor = color.NRGBA{R: 8, G: 214, B: 120, A: 255}
)

var (
	ranks = []nchess.Rank{nchess.Rank8, nchess.Rank7, nchess.Rank6, nchess.Rank5, nchess.Rank4, nchess.Rank3, nchess.Rank2, nchess.Rank1}
	files = []nchess.File{nchess.FileA, nchess.FileB, nchess.FileC, nchess.FileD, nchess.FileE, nchess.FileF, nchess.FileG, nchess.FileH}
)

func drawSquares(dst imagedraw.Image, size int, origin image.Point) {
	for row, rank := range ranks {
		for col, file := range files {
			x := origin.X + col*size
			y := origin.Y + row*size
			imagedraw.Draw(dst, image.Rect(x, y, x+size, y+size), image.NewUniform(squareColor(nchess.NewSquare(file, rank))), image.Point{}, imagedraw.Src)
		}
	}
}

func drawPieces(dst imagedraw.Image, board *nchess.Board, size int, origin image.Point) error {
	squares := board.SquareMap()
	for row, rank := range ranks {
		for col, file := range files {
			piece := squares[nchess.NewSquare(file, rank)]
			if piece == nchess.NoPiece {
				continue
			}
			img, err := renderPieceImage(piece, size)
			if err != nil {
				return err
			}
			x := origin.X + col*size
			y := origin.Y + row*size
			imagedraw.Draw(dst, image.Rect(x, y, x+size, y+size), img, image.Point{}, imagedraw.Over)
		}
	}
	return nil
}

func drawSquareOverlay(img *image.RGBA, sq nchess.Square, size int, origin image.Point, clr color.Color) {
	imagedraw.Draw(img, squareRect(sq, size, origin), image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

func drawCoordinates(dst imagedraw.Image, size int, origin image.Point, margin int) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Face: face, Src: image.NewUniform(coordinateColor)}
	ascent := face.Metrics().Ascent.Ceil()
	boardEndY := origin.Y + len(ranks)*size
	for row, rank := range ranks {
		drawCenteredText(drawer, rank.String(), origin.X-margin/2, origin.Y+row*size+size/2+ascent/2)
	}
	for col, file := range files {
		drawCenteredText(drawer, file.String(), origin.X+col*size+size/2, boardEndY+ascent+2)
	}
}

func drawCaption(dst imagedraw.Image, text string, rect image.Rectangle) {
	text = strings.TrimSpace(text)
	if text == "" || rect.Empty() {
		return
	}
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Face: face, Src: image.NewUniform(textColor)}
	text = truncateToWidth(drawer, text, rect.Dx())
	m := face.Metrics()
	baseline := rect.Min.Y + (rect.Dy()+m.Ascent.Ceil()-m.Descent.Ceil())/2
	drawCenteredText(drawer, text, rect.Min.X+rect.Dx()/2, baseline)
}

func truncateToWidth(drawer *font.Drawer, text string, maxWidth int) string {
	if drawer.MeasureString(text).Round() <= maxWidth {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "..."
		if drawer.MeasureString(candidate).Round() <= maxWidth {
			return candidate
		}
	}
	return ""
}

func drawCenteredText(drawer *font.Drawer, text string, centerX, baseline int) {
	if text == "" {
		return
	}
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}

func squareRect(sq nchess.Square, size int, origin image.Point) image.Rectangle {
	col := int(sq.File())
	row := 7 - int(sq.Rank())
	x := origin.X + col*size
	y := origin.Y + row*size
	return image.Rect(x, y, x+size, y+size)
}

func squareColor(sq nchess.Square) color.Color {
	if (int(sq.File())+int(sq.Rank()))%2 == 0 {
		return darkSquare
	}
	return lightSquare
}
