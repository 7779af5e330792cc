package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"devcall/internal/config"
	"devcall/internal/sigclient"
	"devcall/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	settings config.ClientConfig
	log      *slog.Logger

	apiURLFlag string
	tokenFlag  string
	envFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "callctl",
	Short: "Place and answer developer calls against a devcall API",
	Long: `callctl drives the devcall signaling API from a terminal.

Settings come from the environment (or a .env file): DEVCALL_API_URL,
DEVCALL_ACCESS_TOKEN, TRANSPORT_APP_ID and the CALL_* and MEDIA_* tunables.
Media runs on an in-process loopback transport.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api", "", "API base URL (overrides DEVCALL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "access token (overrides DEVCALL_ACCESS_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&envFlag, "log-env", "production", "logging profile: local or dev enable debug logs")

	rootCmd.AddCommand(loginCmd, meCmd, presenceCmd, incomingCmd, historyCmd, callCmd, answerCmd, demoCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "callctl:", err)
		os.Exit(1)
	}
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	// A missing .env is fine.
	_ = godotenv.Load()

	c, err := config.LoadClient()
	if err != nil {
		return err
	}
	if apiURLFlag != "" {
		c.APIURL = apiURLFlag
	}
	if tokenFlag != "" {
		c.AccessToken = tokenFlag
	}
	settings = c
	log = logger.NewTo(os.Stderr, envFlag)
	return nil
}

var errNoToken = errors.New("no access token: run `callctl login` and export DEVCALL_ACCESS_TOKEN, or pass --token")

func clientOptions() sigclient.Options {
	return sigclient.Options{
		Logger:       log,
		WatchRedials: settings.Call.RetryAttempts,
		WatchBackoff: settings.Call.RetryBaseInterval,
	}
}

func signalingClient() (*sigclient.Client, error) {
	if settings.AccessToken == "" {
		return nil, errNoToken
	}
	return sigclient.New(settings.APIURL, settings.AccessToken, clientOptions())
}
