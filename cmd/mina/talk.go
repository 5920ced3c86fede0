package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ent0n29/minacoach/internal/recorder"
	"github.com/ent0n29/minacoach/internal/voice"
)

var (
	talkInput string
	talkStats bool
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Voice session: press Enter to start and stop recording",
	Long: `Voice session with spoken, lip-synced replies.

Press Enter to start recording and Enter again to send it. Typed lines are
sent as text and answered out loud. Renderers connect to the render bridge
(MINA_RENDER_ADDR) at /v1/render/ws.`,
	RunE: runTalk,
}

func init() {
	talkCmd.Flags().StringVar(&talkInput, "input", "", "WAV file replayed instead of the microphone")
	talkCmd.Flags().BoolVar(&talkStats, "stats", false, "print stage latencies on exit")
}

func runTalk(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{Mode: voice.ModeVoice, Input: talkInput, Out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.begin(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, hint("Press Enter to record, Enter again to send. /help lists commands."))

	var turns sync.WaitGroup
	a.repl(ctx, cmd.InOrStdin(), func(ctx context.Context, line string) bool {
		text := strings.TrimSpace(line)
		turns.Add(1)
		go func() {
			defer turns.Done()
			if text == "" {
				a.toggleRecording(ctx)
				return
			}
			a.sendText(ctx, text)
		}()
		return true
	})
	a.recorder.Cancel()
	turns.Wait()

	if talkStats {
		fmt.Fprintln(a.out, renderStats(a.metrics.StageSnapshot()))
	}
	return nil
}

func (a *app) toggleRecording(ctx context.Context) {
	if a.manager.Ended() {
		fmt.Fprintln(a.out, hint("This session has ended. Type /new to start another."))
		return
	}
	starting := !a.recorder.Recording()
	err := a.recorder.Toggle(ctx)
	switch {
	case err == nil:
		if starting {
			fmt.Fprintln(a.out, hint("Recording... press Enter to send."))
		}
	case errors.Is(err, recorder.ErrPermissionDenied):
		fmt.Fprintln(a.out, errorBanner("Microphone access was denied. Allow it and try again."))
	case errors.Is(err, recorder.ErrEmptyRecording):
		fmt.Fprintln(a.out, errorBanner("Nothing was recorded, try again."))
	case errors.Is(err, voice.ErrTurnInFlight), errors.Is(err, voice.ErrEmptyMessage):
		a.reportError(err)
	case starting:
		fmt.Fprintln(a.out, errorBanner("Could not start recording: "+err.Error()))
	default:
		a.reportError(err)
	}
}
