package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/minacoach/internal/config"
)

var (
	configFile string
	envFile    string
	userFlag   string
	nameFlag   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mina",
	Short: "Talk to Mina, your voice coach, from the terminal",
	Long: `Run a time-boxed coaching session with Mina.

  mina chat     type to Mina and read her streamed replies
  mina talk     speak to Mina; replies are spoken and lip-synced
  mina quota    show how many sessions you have left

Settings come from MINA_* environment variables, a .env file, or --config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user id (overrides MINA_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&nameFlag, "name", "", "name Mina calls you (overrides MINA_USER_NAME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(chatCmd, talkCmd, quotaCmd)
}

// loadConfig resolves the client settings with command-line overrides.
func loadConfig() (config.Client, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Client{}, err
	}
	cfg, err := config.LoadClient(configFile)
	if err != nil {
		return config.Client{}, fmt.Errorf("config error: %w", err)
	}
	if v := strings.TrimSpace(userFlag); v != "" {
		cfg.UserID = v
	}
	if v := strings.TrimSpace(nameFlag); v != "" {
		cfg.UserName = v
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.UserID == "" {
		return config.Client{}, fmt.Errorf("no user id: set MINA_USER_ID or pass --user")
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorBanner(err.Error()))
		os.Exit(1)
	}
}
