package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ililio1/chesshelper/internal/httpapi"
	"github.com/ililio1/chesshelper/internal/review"
)

const consoleHelp = `Commands:
  review        start (or restart) a review of your unsolved blunders
  answer        guess the engine's best move exactly
  fix           play any move that is close enough to the best one
  <move>        a move in SAN (Nf3) or UCI (g1f3)
  solution      show the best move and go to the next blunder
  continuation  show the engine's line after the best move
  next          skip to the next blunder
  status        show the current blunder again
  sync          fetch and analyze your recent games
  back          end the review
  quit          leave the console`

func newReviewCmd(opts *options) *cobra.Command {
	var imagesDir string

	cmd := &cobra.Command{
		Use:   "review <user-id>",
		Short: "Review your blunders in an interactive console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Assets.Start()
			defer a.Assets.Stop()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "review> ",
				HistoryFile:     filepath.Join(os.TempDir(), ".chesshelper_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "quit",
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			c := &console{
				user:      id,
				review:    a.Review,
				sync:      a.Ingest,
				out:       NewOutput("text", rl.Stdout()),
				imagesDir: imagesDir,
			}
			fmt.Fprintln(rl.Stdout(), "Type 'help' for commands")
			c.run(ctx, "review")

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if quit := c.run(ctx, line); quit {
					return nil
				}
				rl.SetPrompt(c.prompt())
			}
		},
	}

	cmd.Flags().StringVar(&imagesDir, "images", "", "Write board GIFs to this directory")

	return cmd
}

// console maps typed lines onto review actions.
type console struct {
	user      int64
	review    httpapi.Reviewer
	sync      httpapi.Syncer
	out       *Output
	imagesDir string

	state   review.State
	blunder uint
}

// run executes one line and reports whether the console should exit.
func (c *console) run(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var (
		r   review.Reply
		err error
	)
	switch strings.ToLower(line) {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		c.out.PrintMessage(consoleHelp)
		return false
	case "sync":
		c.out.PrintMessage("Syncing your recent games...")
		sum, err := c.sync.SyncUser(ctx, c.user)
		if err != nil {
			c.out.PrintMessage("Sync failed: " + err.Error())
			return false
		}
		c.out.Print(sum)
		return false
	case "review", "start":
		r, err = c.review.Start(ctx, c.user)
	case "status":
		r, err = c.review.Status(ctx, c.user)
	case "answer":
		r, err = c.review.RequestAnswer(ctx, c.user)
	case "fix":
		r, err = c.review.RequestFix(ctx, c.user)
	case "solution":
		r, err = c.review.ShowSolution(ctx, c.user)
	case "continuation", "line":
		r, err = c.review.ShowContinuation(ctx, c.user)
	case "next":
		r, err = c.review.Next(ctx, c.user)
	case "back":
		r, err = c.review.Back(ctx, c.user)
	default:
		r, err = c.review.Attempt(ctx, c.user, line)
	}
	if err != nil {
		c.out.PrintMessage("Error: " + err.Error())
		return false
	}
	c.show(r)
	return false
}

func (c *console) show(r review.Reply) {
	c.out.Print(r)
	c.track(r)
}

// track follows the session state and saves images of the replies.
func (c *console) track(r review.Reply) {
	if r.State != "" {
		c.state = r.State
	}
	switch r.Kind {
	case review.KindCard:
		c.blunder = r.Card.BlunderID
		c.save("error", r.Card.Image)
	case review.KindSolution:
		c.save("best", r.Image)
	case review.KindContinuation:
		c.save("line", r.Image)
	case review.KindComplete, review.KindClosed, review.KindStale:
		c.state, c.blunder = "", 0
	}
	if r.Next != nil {
		c.track(*r.Next)
	}
}

func (c *console) save(kind string, data []byte) {
	if c.imagesDir == "" || len(data) == 0 || c.blunder == 0 {
		return
	}
	path := filepath.Join(c.imagesDir, fmt.Sprintf("%d-%s.gif", c.blunder, kind))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.out.PrintMessage("Could not save image: " + err.Error())
		return
	}
	c.out.PrintMessage("Image: " + path)
}

func (c *console) prompt() string {
	switch c.state {
	case review.StateWaitAnswer:
		return "answer> "
	case review.StateWaitFix:
		return "fix> "
	}
	return "review> "
}
