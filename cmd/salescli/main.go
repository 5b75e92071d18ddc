// Command salescli runs a sales conversation in the terminal against the
// same service the Lambda functions use.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sales-agent/internal/bootstrap"
	"sales-agent/internal/config"
)

var (
	envFile   string
	sessionID string
	persona   string
	name      string
	noStream  bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "salescli",
	Short: "Talk to the sales agent from the terminal",
	Long: `salescli opens an interactive conversation with the sales agent.

Configuration comes from the environment (PARAM_PREFIX, STATE_TABLE, LLM_BASE_URL, ...),
optionally loaded from a .env file first. Type "exit" to quit.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session id")
	rootCmd.Flags().StringVar(&persona, "persona", "", "extra persona instructions for a new session")
	rootCmd.Flags().StringVar(&name, "name", "", "display name the agent uses for itself")
	rootCmd.Flags().BoolVar(&noStream, "no-stream", false, "print each reply only once it is complete")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.LogJSON = false
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	} else if cfg.LogLevel < slog.LevelWarn {
		cfg.LogLevel = slog.LevelWarn
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	svc, err := bootstrap.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	r := &repl{
		svc:    svc,
		in:     cmd.InOrStdin(),
		out:    cmd.OutOrStdout(),
		stream: !noStream,
	}
	id, err := r.start(ctx, sessionID, persona, name)
	if err != nil {
		return err
	}
	return r.run(ctx, id)
}
