// Package render draws board positions and move sequences as animated GIFs.
//
// Output depends only on the inputs: the same position, moves and
// orientation always encode to the same bytes.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ililio1/chesshelper/internal/notation"
)

// ErrRender wraps every rendering failure.
var ErrRender = errors.New("render failed")

const (
	moveFrameDelay = 80 // centiseconds
	movePause      = 2  // extra copies of the final frame
	lineFrameDelay = 60
	linePause      = 3
)

var (
	colLight      = color.RGBA{0xF0, 0xD9, 0xB5, 0xFF}
	colDark       = color.RGBA{0xB5, 0x88, 0x63, 0xFF}
	colLightMark  = color.RGBA{0xF6, 0xEB, 0x72, 0xFF}
	colDarkMark   = color.RGBA{0xDC, 0xC3, 0x4B, 0xFF}
	colWhitePiece = color.RGBA{0xFA, 0xFA, 0xFA, 0xFF}
	colBlackPiece = color.RGBA{0x26, 0x24, 0x21, 0xFF}

	palette = color.Palette{
		colLight, colDark, colLightMark, colDarkMark, colWhitePiece, colBlackPiece,
	}
)

// Renderer draws boards with square sides of SquareSize pixels.
type Renderer struct {
	SquareSize int
}

// New returns a renderer; squareSize below 16 is raised to 16.
func New(squareSize int) *Renderer {
	if squareSize < 16 {
		squareSize = 16
	}
	return &Renderer{SquareSize: squareSize}
}

// Board renders a single still frame.
func (r *Renderer) Board(fen string, flip bool) ([]byte, error) {
	frame, err := r.frame(fen, "", flip)
	if err != nil {
		return nil, err
	}
	return encode([]*image.Paletted{frame}, moveFrameDelay, 0)
}

// Move renders the position before uci, the position after it with the move
// highlighted, and a pause on the final frame.
func (r *Renderer) Move(fen, uci string, flip bool) ([]byte, error) {
	before, err := r.frame(fen, "", flip)
	if err != nil {
		return nil, err
	}
	next, err := notation.FENAfter(fen, uci)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}
	after, err := r.frame(next, uci, flip)
	if err != nil {
		return nil, err
	}
	return encode([]*image.Paletted{before, after}, moveFrameDelay, movePause)
}

// Line renders one frame per ply of moves played from fen.
func (r *Renderer) Line(fen string, moves []string, flip bool) ([]byte, error) {
	first, err := r.frame(fen, "", flip)
	if err != nil {
		return nil, err
	}
	frames := []*image.Paletted{first}
	cur := fen
	for _, mv := range moves {
		next, err := notation.FENAfter(cur, mv)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRender, err)
		}
		f, err := r.frame(next, mv, flip)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		cur = next
	}
	return encode(frames, lineFrameDelay, linePause)
}

func encode(frames []*image.Paletted, delay, pause int) ([]byte, error) {
	last := frames[len(frames)-1]
	for range pause {
		frames = append(frames, last)
	}
	g := &gif.GIF{LoopCount: 0}
	for _, f := range frames {
		g.Image = append(g.Image, f)
		g.Delay = append(g.Delay, delay)
		g.Disposal = append(g.Disposal, gif.DisposalBackground)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}
	return buf.Bytes(), nil
}

// frame draws the placement field of fen, marking the squares of lastMove.
func (r *Renderer) frame(fen, lastMove string, flip bool) (*image.Paletted, error) {
	board, err := parsePlacement(fen)
	if err != nil {
		return nil, err
	}
	marked := map[int]bool{}
	if len(lastMove) >= 4 {
		for _, sq := range []string{lastMove[0:2], lastMove[2:4]} {
			if idx, ok := squareIndex(sq); ok {
				marked[idx] = true
			}
		}
	}

	bs := r.SquareSize
	canvas := image.NewRGBA(image.Rect(0, 0, 8*bs, 8*bs))
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			file, rank := col, 7-row
			if flip {
				file, rank = 7-col, row
			}
			idx := rank*8 + file
			light := (row+col)%2 == 0
			bg := colDark
			switch {
			case light && marked[idx]:
				bg = colLightMark
			case light:
				bg = colLight
			case marked[idx]:
				bg = colDarkMark
			}
			rect := image.Rect(col*bs, row*bs, (col+1)*bs, (row+1)*bs)
			draw.Draw(canvas, rect, image.NewUniform(bg), image.Point{}, draw.Src)
			if p := board[idx]; p != 0 {
				drawPiece(canvas, rect, p)
			}
		}
	}

	out := image.NewPaletted(canvas.Bounds(), palette)
	draw.Draw(out, out.Bounds(), canvas, image.Point{}, draw.Src)
	return out, nil
}

// parsePlacement returns the 64 squares a1..h8 of the FEN placement field,
// 0 for empty squares.
func parsePlacement(fen string) ([64]byte, error) {
	var board [64]byte
	fields := strings.Fields(fen)
	if len(fields) == 0 {
		return board, fmt.Errorf("%w: empty position", ErrRender)
	}
	ranks := strings.Split(fields[0], "/")
	if len(ranks) != 8 {
		return board, fmt.Errorf("%w: bad placement %q", ErrRender, fields[0])
	}
	for i, row := range ranks {
		rank := 7 - i
		file := 0
		for j := 0; j < len(row); j++ {
			c := row[j]
			switch {
			case c >= '1' && c <= '8':
				file += int(c - '0')
			case strings.IndexByte("pnbrqkPNBRQK", c) >= 0:
				if file > 7 {
					return board, fmt.Errorf("%w: rank %d overflows", ErrRender, rank+1)
				}
				board[rank*8+file] = c
				file++
			default:
				return board, fmt.Errorf("%w: bad placement character %q", ErrRender, c)
			}
		}
		if file != 8 {
			return board, fmt.Errorf("%w: rank %d has %d files", ErrRender, rank+1, file)
		}
	}
	return board, nil
}

func squareIndex(sq string) (int, bool) {
	if len(sq) != 2 || sq[0] < 'a' || sq[0] > 'h' || sq[1] < '1' || sq[1] > '8' {
		return 0, false
	}
	return int(sq[1]-'1')*8 + int(sq[0]-'a'), true
}

// drawPiece paints a disc in the piece's color with its letter on top.
func drawPiece(dst *image.RGBA, rect image.Rectangle, p byte) {
	fill, ink := colWhitePiece, colBlackPiece
	if p >= 'a' && p <= 'z' {
		fill, ink = colBlackPiece, colWhitePiece
	}
	size := rect.Dx()
	cx, cy := rect.Min.X+size/2, rect.Min.Y+size/2
	outer := size * 40 / 100
	inner := outer - max(1, size/24)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			dx, dy := x-cx, y-cy
			d2 := dx*dx + dy*dy
			switch {
			case d2 <= inner*inner:
				dst.SetRGBA(x, y, fill)
			case d2 <= outer*outer:
				dst.SetRGBA(x, y, ink)
			}
		}
	}

	glyph := glyphMask(upper(p))
	h := size / 2
	w := h * glyph.Bounds().Dx() / glyph.Bounds().Dy()
	target := image.Rect(cx-w/2, cy-h/2, cx-w/2+w, cy-h/2+h)
	scaled := image.NewAlpha(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), glyph, glyph.Bounds(), xdraw.Src, nil)
	draw.DrawMask(dst, target, image.NewUniform(ink), image.Point{}, scaled, image.Point{}, draw.Over)
}

func upper(p byte) byte {
	if p >= 'a' && p <= 'z' {
		return p - 'a' + 'A'
	}
	return p
}

// glyphMask draws one character of the fixed 7x13 face, cropped to its
// ink rows.
func glyphMask(c byte) *image.Alpha {
	face := basicfont.Face7x13
	mask := image.NewAlpha(image.Rect(0, 0, face.Advance, face.Height))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(string(c))
	top, bottom := face.Height, 0
	for y := 0; y < face.Height; y++ {
		for x := 0; x < face.Advance; x++ {
			if mask.AlphaAt(x, y).A > 0 {
				top = min(top, y)
				bottom = max(bottom, y+1)
			}
		}
	}
	if bottom <= top {
		return mask
	}
	return mask.SubImage(image.Rect(0, top, face.Advance, bottom)).(*image.Alpha)
}
