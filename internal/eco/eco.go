// Package eco provides ECO (Encyclopedia of Chess Openings) lookup.
package eco

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/freeeve/pgn/v3"

	"github.com/ililio1/chesshelper/internal/notation"
)

//go:embed openings.tsv
var builtin string

// Opening represents an ECO opening classification.
type Opening struct {
	ECO  string `json:"eco"`
	Name string `json:"name"`
}

// String renders "C50 Italian Game".
func (o Opening) String() string {
	return o.ECO + " " + o.Name
}

// Database holds ECO opening data indexed by position.
type Database struct {
	byPosition map[string]Opening
	count      int
}

// NewDatabase creates an empty ECO database.
func NewDatabase() *Database {
	return &Database{
		byPosition: make(map[string]Opening),
	}
}

// Default returns a database loaded with the built-in table, extended by
// the .tsv files in dir when dir is not empty.
func Default(dir string) (*Database, error) {
	db := NewDatabase()
	if err := db.Load(strings.NewReader(builtin)); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := db.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// moveNumberRegex matches move numbers like "1." or "12..."
var moveNumberRegex = regexp.MustCompile(`\d+\.+\s*`)

// LoadDir loads all .tsv files from a directory.
func (db *Database) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.tsv"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .tsv files found in %s", dir)
	}

	for _, file := range files {
		if err := db.LoadFile(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// LoadFile loads a single TSV file.
func (db *Database) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return db.Load(f)
}

// Load reads "eco\tname\tpgn" lines. Lines whose moves do not replay are
// skipped.
func (db *Database) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Skip header
		if lineNum == 1 && strings.HasPrefix(line, "eco\t") {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}

		pos := pgn.NewStartingPosition()
		if err := applyMoves(pos, parts[2]); err != nil {
			continue
		}

		key := positionKey(pos.ToFEN())
		if _, dup := db.byPosition[key]; !dup {
			db.count++
		}
		db.byPosition[key] = Opening{ECO: parts[0], Name: parts[1]}
	}

	return scanner.Err()
}

// applyMoves parses and applies PGN moves like "1. e4 e5 2. Nf3 Nc6"
func applyMoves(pos *pgn.GameState, pgnMoves string) error {
	cleaned := moveNumberRegex.ReplaceAllString(pgnMoves, "")
	for _, san := range strings.Fields(cleaned) {
		if san[0] == '$' || san[0] == '{' {
			continue
		}
		mv, err := notation.FromSAN(pos, san)
		if err != nil {
			return fmt.Errorf("parse %q: %w", san, err)
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return fmt.Errorf("apply %q: %w", san, err)
		}
	}
	return nil
}

// positionKey drops the move counters so transpositions share a key.
func positionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

// Lookup returns the ECO opening for a FEN, or nil if not found.
func (db *Database) Lookup(fen string) *Opening {
	if o, ok := db.byPosition[positionKey(fen)]; ok {
		return &o
	}
	return nil
}

// Classify returns the deepest named position reached in g, or nil.
func (db *Database) Classify(g *notation.Game) *Opening {
	var found *Opening
	for _, fen := range g.Positions() {
		if o := db.Lookup(fen); o != nil {
			found = o
		}
	}
	return found
}

// Count returns the number of openings loaded.
func (db *Database) Count() int {
	return db.count
}
