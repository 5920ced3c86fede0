package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/minacoach/internal/voice"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Text session: type to Mina and read her replies",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{Mode: voice.ModeText, Out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.begin(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, hint("Type a message and press Enter. /help lists commands."))

	a.repl(ctx, cmd.InOrStdin(), func(ctx context.Context, line string) bool {
		text := strings.TrimSpace(line)
		if text == "" {
			return true
		}
		a.sendText(ctx, text)
		return true
	})
	return nil
}
