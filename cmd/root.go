package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/dashlink/internal/logging"
	"github.com/andresmejia3/dashlink/internal/store"
	"github.com/spf13/cobra"
)

var (
	// DB is the transmission log, opened on demand by the commands that need it
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// logLevel is the --log-level flag value
	logLevel string
	// logger is shared by subcommands once the root has parsed its flags
	logger = logging.NewNop()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "dashlink",
	Short:   "Trigger-driven artifact transmitter for the classifier dashboard",
	Version: Version, // This enables the --version flag
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.New(logging.ParseLevel(logLevel))
		slog.SetDefault(logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $POSTGRES_* or postgres://localhost:5432/dashlink)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// resolveDBURL returns the explicit URL, or one built from the POSTGRES_*
// environment, or the local default.
func resolveDBURL(explicit string, getenv func(string) string) string {
	if explicit != "" {
		return explicit
	}
	if host := getenv("POSTGRES_HOST"); host != "" {
		user := getenv("POSTGRES_USER")
		pass := getenv("POSTGRES_PASSWORD")
		name := getenv("POSTGRES_DB")
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/dashlink"
}

// openDB connects the shared store. The root's post-run hook closes it.
func openDB(ctx context.Context, url string) error {
	var err error
	DB, err = store.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}
