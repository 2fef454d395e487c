package notation

import "strings"

// Parsed is the result of reading a move typed by a user: either a
// ValidMove or a ParseFailure.
type Parsed interface {
	parsed()
}

// ValidMove is a legal move in the position it was parsed against.
type ValidMove struct {
	UCI string
	SAN string
}

// ParseFailure explains why input was not a legal move.
type ParseFailure struct {
	Input  string
	Reason string
}

func (ValidMove) parsed()    {}
func (ParseFailure) parsed() {}

// ParseInput reads text as a move in fen. UCI is tried first, then SAN.
func ParseInput(fen, text string) Parsed {
	text = strings.TrimSpace(text)
	if text == "" {
		return ParseFailure{Input: text, Reason: "empty move"}
	}
	pos, err := Position(fen)
	if err != nil {
		return ParseFailure{Input: text, Reason: err.Error()}
	}

	if checkUCISyntax(strings.ToLower(text)) == nil {
		if mv, err := FromUCI(pos, text); err == nil {
			return ValidMove{UCI: ToUCI(mv), SAN: ToSAN(pos, mv)}
		}
	}

	mv, err := FromSAN(pos, text)
	if err != nil {
		return ParseFailure{Input: text, Reason: "not a legal move in this position"}
	}
	return ValidMove{UCI: ToUCI(mv), SAN: ToSAN(pos, mv)}
}
