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
	"time"

	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
)

// ErrQuit is returned by [Console.Exec] for the quit command.
var ErrQuit = errors.New("app: quit requested")

// clearLine moves the cursor to the start of the line and erases it.
const clearLine = "\r\x1b[K"

const consoleStopTimeout = 15 * time.Second

// SessionControl is the part of [session.Controller] the console drives.
type SessionControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartPlayback(ctx context.Context) error
	StopPlayback() error
	SetLanguage(code string) error
	Languages() []string
	SetSensitivity(sensitivity int)
	State() session.Status
}

var _ SessionControl = (*session.Controller)(nil)

// Console is the terminal front end: it shows the transcript as it is
// recognised and executes typed commands. The interim hypothesis is redrawn
// in place on the last line; committed utterances scroll above it.
type Console struct {
	ctrl SessionControl
	out  io.Writer

	mu      sync.Mutex
	interim string
}

var _ transcript.Listener = (*Console)(nil)

// NewConsole returns a console writing to out.
func NewConsole(ctrl SessionControl, out io.Writer) *Console {
	return &Console{ctrl: ctrl, out: out}
}

// InterimUpdated implements [transcript.Listener].
func (c *Console) InterimUpdated(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interim = text
	if text == "" {
		fmt.Fprint(c.out, clearLine)
		return
	}
	fmt.Fprintf(c.out, "%s… %s", clearLine, text)
}

// CommittedAppended implements [transcript.Listener].
func (c *Console) CommittedAppended(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s%s\n", clearLine, text)
	if c.interim != "" {
		fmt.Fprintf(c.out, "… %s", c.interim)
	}
}

// printf writes a status line without disturbing the interim line.
func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, clearLine+format+"\n", args...)
	if c.interim != "" {
		fmt.Fprintf(c.out, "… %s", c.interim)
	}
}

// Run reads commands from in, one per line, until the quit command, the end
// of input or ctx is cancelled. Command errors are printed, not returned.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf("error: %v", err)
			}
		}
	}
}

// Exec runs a single command line.
//
//	start | stop         begin or end recording
//	play | mute          toggle monitoring
//	lang [code]          show or select the recognition language
//	gain <0..100>        set the input sensitivity
//	status | help | quit
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "start":
		if err := c.ctrl.Start(ctx); err != nil {
			return err
		}
		st := c.ctrl.State()
		c.printf("recording (%s, session %s)", st.Language, st.SessionID)
	case "stop":
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consoleStopTimeout)
		defer cancel()
		if err := c.ctrl.Stop(sctx); err != nil {
			return err
		}
		c.printf("stopped")
	case "play":
		if err := c.ctrl.StartPlayback(ctx); err != nil {
			return err
		}
		c.printf("playback on")
	case "mute":
		if err := c.ctrl.StopPlayback(); err != nil {
			return err
		}
		c.printf("playback off")
	case "lang", "language":
		if len(args) == 0 {
			c.printf("language %s (available: %s)", c.ctrl.State().Language, strings.Join(c.ctrl.Languages(), ", "))
			return nil
		}
		if err := c.ctrl.SetLanguage(args[0]); err != nil {
			return err
		}
		c.printf("language %s from the next session", args[0])
	case "gain":
		if len(args) != 1 {
			return errors.New("usage: gain <0..100>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || n > 100 {
			return fmt.Errorf("gain must be between 0 and 100, got %q", args[0])
		}
		c.ctrl.SetSensitivity(n)
		c.printf("gain %d", n)
	case "status":
		c.printf("%s", formatStatus(c.ctrl.State()))
	case "help", "?":
		c.printf("commands: start, stop, play, mute, lang [code], gain <0..100>, status, quit")
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func formatStatus(st session.Status) string {
	var b strings.Builder
	if st.Recording {
		fmt.Fprintf(&b, "recording since %s (session %s)", st.StartedAt.Local().Format(time.TimeOnly), st.SessionID)
	} else {
		b.WriteString("idle")
	}
	fmt.Fprintf(&b, ", language %s, gain %d", st.Language, st.Sensitivity)
	if st.Playing {
		b.WriteString(", playback on")
	}
	if st.LastError != nil {
		fmt.Fprintf(&b, ", last error: %v", st.LastError)
	}
	return b.String()
}
