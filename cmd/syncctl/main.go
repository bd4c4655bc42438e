package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/studysync/syncengine/internal/client"
)

const version = "0.1.0"

var (
	serverURL string
	token     string
	debugSub  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:     "syncctl",
	Short:   "Command-line client for the sync server",
	Version: version,
	Long: `syncctl talks to a sync server on behalf of one user.

Authenticate with --token (or SYNC_TOKEN). Against a dev-mode server,
--user (or SYNC_USER) sends X-Debug-Sub instead.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SYNC_SERVER", "http://localhost:8081"), "Sync server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SYNC_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVar(&debugSub, "user", os.Getenv("SYNC_USER"), "User id for dev-mode servers (X-Debug-Sub)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log HTTP requests")

	rootCmd.AddCommand(devicesCmd, pushCmd, pullCmd, conflictsCmd, prefsCmd, statsCmd, healthCmd)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newClient() (*client.HTTPClient, error) {
	switch {
	case token != "":
		return client.NewHTTPClient(serverURL, token), nil
	case debugSub != "":
		return client.NewDevClient(serverURL, debugSub), nil
	}
	return nil, errors.New("either --token or --user is required")
}

// printJSON writes v to stdout as indented JSON
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.CorrelationID != "" {
			fmt.Fprintf(os.Stderr, "correlation id: %s\n", apiErr.CorrelationID)
		}
		os.Exit(1)
	}
}
