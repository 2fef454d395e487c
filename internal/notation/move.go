// Package notation converts between game records, positions and moves.
package notation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// ErrIllegalMove is returned when a move is not legal in the given position.
var ErrIllegalMove = errors.New("illegal move")

const (
	files = "abcdefgh"
	ranks = "12345678"
)

// Castling and en passant flags as encoded by pgn.Mv.
const (
	flagEnPassant = 2
	flagCastle    = 4
)

// Color is the side to move.
type Color int

const (
	White Color = iota
	Black
)

func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// SideToMove reads the active colour field of a FEN.
func SideToMove(fen string) Color {
	fields := strings.Fields(fen)
	if len(fields) > 1 && fields[1] == "b" {
		return Black
	}
	return White
}

// Position parses a FEN into a game state.
func Position(fen string) (*pgn.GameState, error) {
	pos, err := pgn.NewGame(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return pos, nil
}

// ToUCI converts a move to UCI notation (e.g. "e2e4", "e7e8q").
func ToUCI(mv pgn.Mv) string {
	from := string(files[mv.From%8]) + string(ranks[mv.From/8])
	to := string(files[mv.To%8]) + string(ranks[mv.To/8])

	uci := from + to
	switch mv.Promo {
	case pgn.PromoQueen:
		uci += "q"
	case pgn.PromoRook:
		uci += "r"
	case pgn.PromoBishop:
		uci += "b"
	case pgn.PromoKnight:
		uci += "n"
	}
	return uci
}

// FromUCI finds the legal move in pos written as uci.
func FromUCI(pos *pgn.GameState, uci string) (pgn.Mv, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if err := checkUCISyntax(uci); err != nil {
		return pgn.Mv{}, err
	}
	for _, mv := range pgn.GenerateLegalMoves(pos) {
		if ToUCI(mv) == uci {
			return mv, nil
		}
	}
	return pgn.Mv{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
}

func checkUCISyntax(uci string) error {
	if len(uci) != 4 && len(uci) != 5 {
		return fmt.Errorf("UCI move must be 4 or 5 characters: %q", uci)
	}
	for i := 0; i < 4; i += 2 {
		if strings.IndexByte(files, uci[i]) < 0 || strings.IndexByte(ranks, uci[i+1]) < 0 {
			return fmt.Errorf("invalid square in UCI move: %q", uci)
		}
	}
	if len(uci) == 5 && strings.IndexByte("qrbn", uci[4]) < 0 {
		return fmt.Errorf("invalid promotion piece: %c", uci[4])
	}
	return nil
}

// FromSAN parses a SAN move in pos. Check, mate and annotation suffixes are ignored.
func FromSAN(pos *pgn.GameState, san string) (pgn.Mv, error) {
	san = cleanSAN(san)
	if san == "" {
		return pgn.Mv{}, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	mv, err := pgn.ParseSAN(pos, san)
	if err != nil {
		return pgn.Mv{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, san, err)
	}
	legal, ok := legalMove(pos, mv)
	if !ok {
		return pgn.Mv{}, fmt.Errorf("%w: %s", ErrIllegalMove, san)
	}
	return legal, nil
}

// legalMove returns the generated legal move with mv's squares and
// promotion. The SAN parser only checks king safety, so a move onto a
// friendly piece gets through it.
func legalMove(pos *pgn.GameState, mv pgn.Mv) (pgn.Mv, bool) {
	for _, lm := range pgn.GenerateLegalMoves(pos) {
		if lm.From == mv.From && lm.To == mv.To && lm.Promo == mv.Promo {
			return lm, true
		}
	}
	return pgn.Mv{}, false
}

// cleanSAN strips suffixes the SAN parser does not accept and normalises
// zero-castling.
func cleanSAN(san string) string {
	san = strings.TrimSpace(san)
	san = strings.TrimRight(san, "+#!?")
	switch san {
	case "0-0":
		return "O-O"
	case "0-0-0":
		return "O-O-O"
	}
	return san
}

// ToSAN converts a legal move to SAN given the position it is played from.
func ToSAN(pos *pgn.GameState, mv pgn.Mv) string {
	if mv.Flags == flagCastle {
		san := "O-O-O"
		if mv.To > mv.From {
			san = "O-O"
		}
		return san + checkSuffix(pos, mv)
	}

	fromSq := int(mv.From)
	toSq := int(mv.To)
	fromFile := fromSq % 8
	target := string(files[toSq%8]) + string(ranks[toSq/8])

	piece := pos.PieceAt(mv.From)
	isPawn := piece == 'P' || piece == 'p'
	isCapture := pos.PieceAt(mv.To) != 0 || (isPawn && mv.Flags == flagEnPassant)

	var san string
	if isPawn {
		if isCapture {
			san = string(files[fromFile]) + "x"
		}
		san += target
		switch mv.Promo {
		case pgn.PromoQueen:
			san += "=Q"
		case pgn.PromoRook:
			san += "=R"
		case pgn.PromoBishop:
			san += "=B"
		case pgn.PromoKnight:
			san += "=N"
		}
		return san + checkSuffix(pos, mv)
	}

	pieceChar := upper(piece)
	san = string(rune(pieceChar))

	// Disambiguate against other pieces of the same kind reaching the target.
	var sameFile, sameRank, ambiguous bool
	for _, other := range pgn.GenerateLegalMoves(pos) {
		if other.To != mv.To || other.From == mv.From || upper(pos.PieceAt(other.From)) != pieceChar {
			continue
		}
		ambiguous = true
		if int(other.From)%8 == fromFile {
			sameFile = true
		}
		if int(other.From)/8 == fromSq/8 {
			sameRank = true
		}
	}
	if ambiguous {
		switch {
		case !sameFile:
			san += string(files[fromFile])
		case !sameRank:
			san += string(ranks[fromSq/8])
		default:
			san += string(files[fromFile]) + string(ranks[fromSq/8])
		}
	}
	if isCapture {
		san += "x"
	}
	return san + target + checkSuffix(pos, mv)
}

func upper[T ~byte | ~rune | ~int](p T) T {
	if p >= 'a' && p <= 'z' {
		return p - 32
	}
	return p
}

func checkSuffix(pos *pgn.GameState, mv pgn.Mv) string {
	after := pos.Copy()
	if pgn.ApplyMove(after, mv) != nil || !after.IsInCheck() {
		return ""
	}
	if len(pgn.GenerateLegalMoves(after)) == 0 {
		return "#"
	}
	return "+"
}

// ApplyUCI plays uci on pos in place.
func ApplyUCI(pos *pgn.GameState, uci string) error {
	mv, err := FromUCI(pos, uci)
	if err != nil {
		return err
	}
	return pgn.ApplyMove(pos, mv)
}

// FENAfter returns the FEN reached by playing uci from fen.
func FENAfter(fen, uci string) (string, error) {
	pos, err := Position(fen)
	if err != nil {
		return "", err
	}
	if err := ApplyUCI(pos, uci); err != nil {
		return "", err
	}
	return pos.ToFEN(), nil
}

// SANLine converts a sequence of UCI moves played from fen into SAN,
// stopping at the first illegal move.
func SANLine(fen string, moves []string) ([]string, error) {
	pos, err := Position(fen)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(moves))
	for _, u := range moves {
		mv, err := FromUCI(pos, u)
		if err != nil {
			return out, err
		}
		out = append(out, ToSAN(pos, mv))
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Canonical rewrites a UCI move into the form produced by ToUCI for the
// matching legal move in fen.
func Canonical(fen, uci string) (string, error) {
	pos, err := Position(fen)
	if err != nil {
		return "", err
	}
	mv, err := FromUCI(pos, uci)
	if err != nil {
		return "", err
	}
	return ToUCI(mv), nil
}
