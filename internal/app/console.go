package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/tarsvoice/internal/pipeline"
)

// defaultHistoryLines is how many exchanges /history prints without an argument.
const defaultHistoryLines = 10

const helpText = `Commands:
  /humor N             set humor to N percent (0-100)
  /honesty N           set honesty to N percent (0-100)
  /personality         show the current settings
  /stop                interrupt the current answer and silence speech
  /cache on|off|clear|stats
  /history [N]         show the last N exchanges
  /clear-history       forget the conversation
  /quit                exit
Anything else is sent to TARS.`

// console serialises writes from the input loop and the run printers.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads lines from in until /quit, end of input or ctx cancellation.
// A plain line is sent to the pipeline and its sentences are written to out
// as they are produced. Input keeps being read while an answer streams, so
// /stop interrupts it; a new query also interrupts the previous one.
//
// At end of input Run waits for the in-flight answer before returning.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	con := &console{out: out}
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	var current *pipeline.Run
	var printers sync.WaitGroup
	defer printers.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if current != nil {
					select {
					case <-current.Done():
					case <-ctx.Done():
					}
				}
				printers.Wait()
				return <-readErr
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := a.command(ctx, con, line); quit {
					a.pipe.Stop()
					return nil
				}
				continue
			}
			if a.pipe.IsProcessing() {
				a.pipe.Stop()
			}
			current = a.pipe.Process(ctx, line, pipeline.Hooks{})
			printers.Add(1)
			go func(r *pipeline.Run) {
				defer printers.Done()
				a.printRun(con, r)
			}(current)
		}
	}
}

// printRun writes each sentence of r as it arrives, then any failure.
func (a *App) printRun(con *console, r *pipeline.Run) {
	for s := range r.Sentences() {
		con.printf("TARS: %s\n", s)
	}
	<-r.Done()
	switch err := r.Err(); {
	case err == nil:
	case errors.Is(err, pipeline.ErrStopped):
		con.printf("(interrupted)\n")
	default:
		con.printf("error: %v\n", err)
	}
}

// command executes a console command and reports whether the console should exit.
func (a *App) command(ctx context.Context, con *console, line string) (quit bool) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit":
		return true

	case "/help":
		con.printf("%s\n", helpText)

	case "/humor", "/honesty":
		if len(args) != 1 {
			con.printf("usage: %s N\n", name)
			return false
		}
		v, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
		if err != nil {
			con.printf("%s: %q is not a number\n", name, args[0])
			return false
		}
		if name == "/humor" {
			v = a.persona.SetHumor(v)
			con.printf("Humor set to %d%%.\n", v)
		} else {
			v = a.persona.SetHonesty(v)
			con.printf("Honesty set to %d%%.\n", v)
		}

	case "/personality":
		con.printf("%s\n", a.persona.Summary())

	case "/stop":
		n := a.pipe.Stop()
		con.printf("Stopped. %d queued sentences dropped.\n", n)

	case "/cache":
		a.cacheCommand(con, args)

	case "/history":
		limit := defaultHistoryLines
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				con.printf("usage: /history [N]\n")
				return false
			}
			limit = n
		}
		exchanges, err := a.gen.History(ctx, limit)
		if err != nil {
			con.printf("history: %v\n", err)
			return false
		}
		if len(exchanges) == 0 {
			con.printf("No conversation yet.\n")
		}
		for _, e := range exchanges {
			con.printf("You:  %s\nTARS: %s\n", e.User, e.Assistant)
		}

	case "/clear-history":
		if err := a.gen.ClearHistory(ctx); err != nil {
			con.printf("clear-history: %v\n", err)
			return false
		}
		con.printf("Conversation forgotten.\n")

	default:
		con.printf("unknown command %s, try /help\n", name)
	}
	return false
}

func (a *App) cacheCommand(con *console, args []string) {
	if len(args) != 1 {
		con.printf("usage: /cache on|off|clear|stats\n")
		return
	}
	switch args[0] {
	case "on":
		a.responses.SetEnabled(true)
		con.printf("Response cache enabled.\n")
	case "off":
		a.responses.SetEnabled(false)
		con.printf("Response cache disabled.\n")
	case "clear":
		a.responses.Clear()
		con.printf("Response cache cleared.\n")
	case "stats":
		s := a.responses.Stats()
		con.printf("cache: enabled=%t size=%d/%d hits=%d misses=%d evictions=%d\n",
			s.Enabled, s.Size, s.MaxSize, s.Hits, s.Misses, s.Evictions)
	default:
		con.printf("usage: /cache on|off|clear|stats\n")
	}
}
