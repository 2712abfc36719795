package frontend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"llmflow/internal/domain"
)

// CLI is the command-line front end. Input is read line by line from a
// reader that is wrapped lazily on the first request, so non-interactive
// runs never touch stdin.
type CLI struct {
	in      io.Reader
	out     io.Writer
	symbols symbolSet
	verbose bool

	readerOnce sync.Once
	lines      chan lineResult
	// done is closed by Close; readerExit when the reader goroutine returns.
	done       chan struct{}
	readerExit chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
}

type lineResult struct {
	line string
	err  error
}

// CLIOption configures a CLI front end.
type CLIOption func(*CLI)

// WithInput replaces stdin.
func WithInput(r io.Reader) CLIOption { return func(c *CLI) { c.in = r } }

// WithOutput replaces stdout.
func WithOutput(w io.Writer) CLIOption { return func(c *CLI) { c.out = w } }

// WithVerbose makes log events visible.
func WithVerbose(v bool) CLIOption { return func(c *CLI) { c.verbose = v } }

// NewCLI creates a CLI front end on stdin and stdout.
func NewCLI(opts ...CLIOption) *CLI {
	c := &CLI{
		in:      os.Stdin,
		out:     os.Stdout,
		symbols: detectSymbols(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// startReader launches the single goroutine that owns the buffered reader.
// Lines are delivered one per request. The goroutine returns once Close is
// called, unless it is blocked inside Read.
func (c *CLI) startReader() {
	c.readerOnce.Do(func() {
		c.lines = make(chan lineResult)
		c.readerExit = make(chan struct{})
		go func() {
			defer close(c.readerExit)
			r := bufio.NewReader(c.in)
			for {
				line, err := r.ReadString('\n')
				if line != "" || err == nil {
					if !c.deliver(lineResult{line: strings.TrimRight(line, "\r\n")}) {
						return
					}
				}
				if err != nil {
					if c.deliver(lineResult{err: err}) {
						close(c.lines)
					}
					return
				}
			}
		}()
	})
}

func (c *CLI) deliver(res lineResult) bool {
	select {
	case c.lines <- res:
		return true
	case <-c.done:
		return false
	}
}

// RequestInput implements domain.FrontEnd.
func (c *CLI) RequestInput(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", fmt.Errorf("%w: front end closed", domain.ErrInputUnavailable)
	}

	fmt.Fprintf(c.out, "%s %s ", stylePrompt.Render(c.symbols.Prompt), prompt)
	c.startReader()

	select {
	case res, ok := <-c.lines:
		if !ok {
			return "", fmt.Errorf("%w: input closed", domain.ErrInputUnavailable)
		}
		if res.err != nil {
			if res.err == io.EOF {
				return "", fmt.Errorf("%w: end of input", domain.ErrInputUnavailable)
			}
			return "", fmt.Errorf("%w: %v", domain.ErrInputUnavailable, res.err)
		}
		return strings.TrimSpace(res.line), nil
	case <-c.done:
		return "", fmt.Errorf("%w: front end closed", domain.ErrInputUnavailable)
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", fmt.Errorf("%w: %v", domain.ErrInputUnavailable, ctx.Err())
	}
}

// Emit implements domain.FrontEnd.
func (c *CLI) Emit(ev domain.UIEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if line := c.render(ev); line != "" {
		fmt.Fprintln(c.out, line)
	}
}

func (c *CLI) render(ev domain.UIEvent) string {
	switch ev.Type {
	case domain.UIEventLog:
		if !c.verbose {
			return ""
		}
		return styleLog.Render(c.symbols.Info + " " + ev.Message)
	case domain.UIEventStateChange:
		return styleState.Render(c.symbols.ArrowR + " " + ev.Message)
	case domain.UIEventResponse:
		return styleResponse.Render(ev.Message)
	case domain.UIEventPrompt:
		if !c.verbose {
			return ""
		}
		return styleLog.Render(ev.Message)
	case domain.UIEventInput:
		// RequestInput prints the prompt itself.
		return ""
	case domain.UIEventError:
		return styleError.Render(c.symbols.Error + " " + ev.Message)
	case domain.UIEventStopped:
		return styleWarning.Render(c.symbols.Warning + " " + ev.Message)
	case domain.UIEventComplete:
		return styleComplete.Render(c.symbols.Success + " " + ev.Message)
	default:
		return ev.Message
	}
}

// Close implements domain.FrontEnd.
func (c *CLI) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Compile-time interface check.
var _ domain.FrontEnd = (*CLI)(nil)
