package notation

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// ErrMalformedGame is returned for records that cannot be replayed.
var ErrMalformedGame = errors.New("malformed game record")

// Ply is one half-move of a replayed game.
type Ply struct {
	Index     int    // 0-based
	FENBefore string // position before the move
	UCI       string
	SAN       string
}

// Game is a parsed game record.
type Game struct {
	Headers  map[string]string
	StartFEN string
	Plies    []Ply
}

// White returns the White header.
func (g *Game) White() string { return g.Headers["White"] }

// Black returns the Black header.
func (g *Game) Black() string { return g.Headers["Black"] }

// FinalFEN returns the position after the last ply.
func (g *Game) FinalFEN() string {
	if len(g.Plies) == 0 {
		return g.StartFEN
	}
	last := g.Plies[len(g.Plies)-1]
	fen, err := FENAfter(last.FENBefore, last.UCI)
	if err != nil {
		return last.FENBefore
	}
	return fen
}

// Positions returns the FEN before every ply followed by the final position.
func (g *Game) Positions() []string {
	out := make([]string, 0, len(g.Plies)+1)
	for _, p := range g.Plies {
		out = append(out, p.FENBefore)
	}
	return append(out, g.FinalFEN())
}

// ParseGame parses a single PGN record and replays its main line.
// Comments, variations and NAGs are skipped by the pgn scanner; every
// scanned move is checked against the legal moves of its position.
func ParseGame(raw string) (*Game, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty record", ErrMalformedGame)
	}
	scanned, err := pgn.NewPGNScanner(strings.NewReader(raw)).Scan()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGame, err)
	}
	if len(scanned.Moves) == 0 {
		return nil, fmt.Errorf("%w: no moves", ErrMalformedGame)
	}

	// The scanner reuses its tag map between games.
	headers := make(map[string]string, len(scanned.Tags))
	for k, v := range scanned.Tags {
		headers[k] = v
	}

	var pos *pgn.GameState
	if fen := headers["FEN"]; fen != "" {
		if pos, err = Position(fen); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedGame, err)
		}
	} else {
		pos = pgn.NewStartingPosition()
	}

	g := &Game{Headers: headers, StartFEN: pos.ToFEN(), Plies: make([]Ply, 0, len(scanned.Moves))}
	for i, scannedMv := range scanned.Moves {
		mv, ok := legalMove(pos, scannedMv)
		if !ok {
			return nil, fmt.Errorf("%w: ply %d: %v: %s", ErrMalformedGame, i+1, ErrIllegalMove, ToUCI(scannedMv))
		}
		ply := Ply{
			Index:     i,
			FENBefore: pos.ToFEN(),
			UCI:       ToUCI(mv),
			SAN:       ToSAN(pos, mv),
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return nil, fmt.Errorf("%w: ply %d: %v", ErrMalformedGame, i+1, err)
		}
		g.Plies = append(g.Plies, ply)
	}
	return g, nil
}

// SplitGames splits a multi-game PGN stream into individual records.
func SplitGames(stream string) []string {
	var out []string
	parts := strings.Split(stream, "[Event ")
	for i, part := range parts {
		if i == 0 && strings.TrimSpace(part) == "" {
			continue
		}
		rec := part
		if i > 0 {
			rec = "[Event " + part
		}
		rec = strings.TrimSpace(rec)
		if rec != "" {
			out = append(out, rec+"\n")
		}
	}
	return out
}

var rosterTags = []string{"Event", "Site", "Date", "Round", "White", "Black", "Result"}

// FormatGame writes a PGN record of the UCI moves played from startFEN.
// Roster tags come first, the rest in name order.
func FormatGame(headers map[string]string, startFEN string, moves []string) (string, error) {
	sans, err := SANLine(startFEN, moves)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedGame, err)
	}

	var b strings.Builder
	written := make(map[string]bool, len(headers))
	for _, tag := range rosterTags {
		if v, ok := headers[tag]; ok {
			fmt.Fprintf(&b, "[%s \"%s\"]\n", tag, strings.ReplaceAll(v, `"`, `\"`))
			written[tag] = true
		}
	}
	rest := make([]string, 0, len(headers))
	for tag := range headers {
		if !written[tag] {
			rest = append(rest, tag)
		}
	}
	sort.Strings(rest)
	for _, tag := range rest {
		fmt.Fprintf(&b, "[%s \"%s\"]\n", tag, strings.ReplaceAll(headers[tag], `"`, `\"`))
	}
	b.WriteByte('\n')

	black := SideToMove(startFEN) == Black
	number := fullMoveNumber(startFEN)
	for i, san := range sans {
		switch {
		case !black:
			fmt.Fprintf(&b, "%d. ", number)
		case i == 0:
			fmt.Fprintf(&b, "%d... ", number)
		}
		b.WriteString(san)
		b.WriteByte(' ')
		if black {
			number++
		}
		black = !black
	}
	result := headers["Result"]
	if result == "" {
		result = "*"
	}
	b.WriteString(result)
	b.WriteByte('\n')
	return b.String(), nil
}

func fullMoveNumber(fen string) int {
	fields := strings.Fields(fen)
	if len(fields) < 6 {
		return 1
	}
	n, err := strconv.Atoi(fields[5])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
