package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ililio1/chesshelper/internal/ingest"
	"github.com/ililio1/chesshelper/internal/review"
)

// Output formats results as text or JSON.
type Output struct {
	format string
	w      io.Writer
}

func NewOutput(format string, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Print outputs data in the configured format.
func (o *Output) Print(data any) {
	if o.format == "json" {
		o.printJSON(data)
		return
	}
	switch v := data.(type) {
	case ingest.Summary:
		o.printSummary(v)
	case ingest.SweepResult:
		fmt.Fprintf(o.w, "Users:     %d (%d failed)\n", v.Users, v.Failed)
		fmt.Fprintf(o.w, "Resumed:   %d blunders\n", v.Resumed)
		o.printSummary(v.Summary)
	case review.Reply:
		o.printReply(v)
	default:
		o.printJSON(data)
	}
}

func (o *Output) PrintMessage(msg string) {
	if o.format == "json" {
		o.printJSON(map[string]string{"message": msg})
		return
	}
	fmt.Fprintln(o.w, msg)
}

func (o *Output) printJSON(data any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func (o *Output) printSummary(s ingest.Summary) {
	fmt.Fprintf(o.w, "Fetched:   %d games\n", s.Fetched)
	fmt.Fprintf(o.w, "New:       %d (%d already known, %d unreadable)\n", s.Inserted, s.Skipped, s.Malformed)
	fmt.Fprintf(o.w, "Analyzed:  %d (%d failed, will retry)\n", s.Analyzed, s.Failed)
	fmt.Fprintf(o.w, "Blunders:  %d\n", s.Blunders)
	if len(s.ProviderErrors) > 0 {
		fmt.Fprintf(o.w, "Unavailable: %s\n", strings.Join(s.ProviderErrors, ", "))
	}
}

func (o *Output) printReply(r review.Reply) {
	switch r.Kind {
	case review.KindCard:
		c := r.Card
		fmt.Fprintf(o.w, "\nBlunder %d of %d: %s vs %s", c.Index+1, c.Total, c.White, c.Black)
		if c.Opening != "" {
			fmt.Fprintf(o.w, " (%s)", c.Opening)
		}
		fmt.Fprintf(o.w, "\n%s\n", c.FEN)
		fmt.Fprintf(o.w, "Move %d: %s played %s. ", c.MoveNumber, c.Side, c.PlayedSAN)
		if c.Attempts > 0 {
			fmt.Fprintf(o.w, "(%d wrong attempts) ", c.Attempts)
		}
		fmt.Fprintln(o.w, "Can you do better?")
		fmt.Fprintln(o.w, "  answer | fix | solution | continuation | next | back")
	case review.KindPrompt:
		if r.State == review.StateWaitFix {
			fmt.Fprintln(o.w, "Type a move close enough to the best one.")
		} else {
			fmt.Fprintln(o.w, "Type the best move.")
		}
	case review.KindCorrect:
		if r.Move != r.BestMove && r.BestSAN != "" {
			fmt.Fprintf(o.w, "Good enough! It is %d centipawns from the best move %s.\n", r.Gap, r.BestSAN)
		} else {
			fmt.Fprintf(o.w, "Correct! %s is the best move.\n", r.BestSAN)
		}
		fmt.Fprintln(o.w, "  continuation | next | back")
	case review.KindIncorrect:
		fmt.Fprintf(o.w, "Not the best move (attempt %d). Try again or ask for the solution.\n", r.Attempts)
	case review.KindGap:
		fmt.Fprintf(o.w, "That loses %d centipawns against the best move (attempt %d).\n", r.Gap, r.Attempts)
	case review.KindInvalid:
		fmt.Fprintf(o.w, "Could not read that move: %s\n", r.Reason)
	case review.KindSolution:
		fmt.Fprintf(o.w, "The best move was %s.\n", r.BestSAN)
		if r.Next != nil {
			o.printReply(*r.Next)
		}
	case review.KindContinuation:
		fmt.Fprintf(o.w, "Engine line: %s\n", strings.Join(r.Line, " "))
	case review.KindComplete:
		fmt.Fprintln(o.w, "No more blunders to review. Well done!")
	case review.KindClosed:
		fmt.Fprintln(o.w, "Review closed.")
	case review.KindNotReady:
		fmt.Fprintln(o.w, "This blunder is still being analyzed, try again in a moment.")
	case review.KindRetry:
		fmt.Fprintln(o.w, "The engine is busy, please repeat that move.")
	case review.KindStale:
		fmt.Fprintln(o.w, "This review is no longer active. Type 'review' to start over.")
	}
}
