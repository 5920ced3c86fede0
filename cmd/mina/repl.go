package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/minacoach/internal/session"
	"github.com/ent0n29/minacoach/internal/voice"
)

// readLines feeds stdin lines into a channel that closes at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// lineHandler returns false to leave the loop.
type lineHandler func(ctx context.Context, line string) bool

// repl dispatches session commands and hands everything else to onLine.
func (a *app) repl(ctx context.Context, in io.Reader, onLine lineHandler) {
	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "/quit", "/exit":
				return
			case "/end":
				a.endSession(ctx)
				continue
			case "/new":
				a.newSession(ctx)
				continue
			case "/help":
				fmt.Fprintln(a.out, hint("/end ends the session, /new starts another, /quit leaves"))
				continue
			}
			if !onLine(ctx, line) {
				return
			}
		}
	}
}

// sendText runs one typed turn.
func (a *app) sendText(ctx context.Context, text string) {
	if a.manager.Ended() {
		fmt.Fprintln(a.out, hint("This session has ended. Type /new to start another."))
		return
	}
	if err := a.manager.Touch(); err != nil {
		a.reportError(err)
		return
	}
	if err := a.pipeline.SendText(ctx, text); err != nil {
		a.reportError(err)
	}
}

// reportError shows errors the pipeline did not already put in the
// conversation.
func (a *app) reportError(err error) {
	switch {
	case errors.Is(err, voice.ErrTurnInFlight):
		fmt.Fprintln(a.out, errorBanner("Mina is still answering, wait for her reply."))
	case errors.Is(err, voice.ErrEmptyMessage):
		fmt.Fprintln(a.out, errorBanner("Message is empty."))
	case errors.Is(err, session.ErrNotStarted):
		fmt.Fprintln(a.out, errorBanner("No session is running. Type /new to start one."))
	case errors.Is(err, context.Canceled):
	default:
		a.log.Debug().Err(err).Msg("turn failed")
	}
}
