package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/scholar/internal/client"
	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/render"
	"github.com/joss/scholar/internal/session"
)

// lineRunner drives a client without a TUI and prints what changes
// between snapshots: new transcript messages and step transitions.
type lineRunner struct {
	c       *client.Client
	changed chan struct{}
	out     *render.Writer
	r       *render.Renderer

	printed int
	steps   map[int]session.Status
	session string
}

func newLineRunner() *lineRunner {
	lr := &lineRunner{
		changed: make(chan struct{}, 1),
		out:     render.Stdout(),
		r:       render.New(pretty),
		steps:   make(map[int]session.Status),
	}
	opts := clientOptions()
	opts.OnUpdate = func(client.Snapshot) {
		select {
		case lr.changed <- struct{}{}:
		default:
		}
	}
	lr.c = client.New(opts)
	return lr
}

// waitFor blocks until cond holds for the latest snapshot.
func (lr *lineRunner) waitFor(ctx context.Context, cond func(client.Snapshot) bool) (client.Snapshot, error) {
	for {
		s := lr.c.Snapshot()
		lr.print(s)
		if cond(s) {
			return s, nil
		}
		select {
		case <-lr.changed:
		case <-lr.c.Done():
			return lr.c.Snapshot(), client.ErrStopped
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

func (lr *lineRunner) waitConnected(ctx context.Context, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	// The agent closes the socket after every answer.
	if st := lr.c.Snapshot().Connection; st == conn.Disconnected {
		lr.c.Reconnect()
	}
	_, err := lr.waitFor(ctx, func(s client.Snapshot) bool { return s.Connection == conn.Connected })
	if errors.Is(err, context.DeadlineExceeded) {
		s := lr.c.Snapshot()
		if s.ConnectionErr != nil {
			return fmt.Errorf("could not connect to %s: %w", cfg.Endpoint, s.ConnectionErr)
		}
		return fmt.Errorf("could not connect to %s within %s", cfg.Endpoint, limit)
	}
	return err
}

// ask submits query and streams output until the query is idle again.
// It reports whether the agent sent an error message.
func (lr *lineRunner) ask(ctx context.Context, query string) (bool, error) {
	if err := lr.waitConnected(ctx, cfg.HandshakeTimeout); err != nil {
		return false, err
	}
	if err := lr.c.Submit(ctx, query); err != nil {
		return false, err
	}
	start := lr.printed
	s, err := lr.waitFor(ctx, func(s client.Snapshot) bool { return s.Phase == session.Idle })
	if err != nil {
		return false, err
	}
	for _, m := range s.Transcript[min(start, len(s.Transcript)):] {
		if m.Role == session.Agent && strings.HasPrefix(m.Content, "Error: ") {
			return true, nil
		}
	}
	return false, nil
}

func (lr *lineRunner) print(s client.Snapshot) {
	if s.SessionID != lr.session {
		lr.session = s.SessionID
		lr.steps = make(map[int]session.Status)
	}
	for _, m := range s.Transcript[min(lr.printed, len(s.Transcript)):] {
		if m.Role == session.Agent {
			lr.out.Block(lr.r.Message(m))
		}
	}
	lr.printed = len(s.Transcript)

	for _, st := range s.Steps() {
		if prev, ok := lr.steps[st.Number]; ok && prev == st.Status {
			continue
		}
		lr.steps[st.Number] = st.Status
		lr.out.Block(lr.r.Step(st))
	}
}

// runLines reads one query per line from in until EOF.
func runLines(ctx context.Context, in io.Reader) error {
	lr := newLineRunner()
	lr.c.Start(ctx)
	defer lr.c.Stop()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		query := scanner.Text()
		if strings.TrimSpace(query) == "" {
			continue
		}
		if _, err := lr.ask(ctx, query); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			render.Stderr().Println("Error: %v", err)
		}
	}
	return scanner.Err()
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <query>",
		Short: "Ask the agent one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			sm := lifecycle()
			defer sm.Shutdown()
			ctx := sm.Context()

			lr := newLineRunner()
			lr.c.Start(ctx)
			defer lr.c.Stop()

			failed, err := lr.ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if failed {
				return errAgentReported
			}
			return nil
		},
	}
}
