package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
)

var (
	// Global flags
	format      string
	logLevel    string
	environment string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bifrost",
	Short: "Evaluate feature flags and manage the self-hosted change feed",
	Long: `Bifrost evaluates feature flags locally and publishes definitions,
segment changes and push notifications for self-hosted deployments.

Examples:
  bifrost evaluate --file flags.yaml --key user-42 --flag checkout_redesign
  bifrost publish definitions --file split-changes.json
  bifrost publish segment beta_users --add user-1,user-2 --change-number 1700000000000
  bifrost notify kill checkout_redesign --default-treatment off --change-number 1700000000001`,
	SilenceUsage: true,
}

// Execute runs the root command until it finishes or the process is interrupted
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&format, "format", "json", "Output format (json, yaml, table)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&environment, "env", "development", "Environment used to validate connection settings")
}

// newLogger writes to stderr so command output stays parseable.
func newLogger() *slog.Logger {
	return logger.NewWithWriter(&config.AppConfig{
		Name:        "bifrost-cli",
		Version:     buildVersion(),
		Environment: environment,
		LogLevel:    logLevel,
		LogFormat:   "text",
	}, os.Stderr)
}

// tabular is implemented by results that can be printed with --format table.
type tabular interface {
	header() []any
	rows() [][]any
}

// printResult writes v to w in the selected format.
func printResult(w io.Writer, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		enc.SetIndent(2)
		return enc.Encode(v)
	case "table":
		t, ok := v.(tabular)
		if !ok {
			return fmt.Errorf("table output is not supported by this command")
		}
		table := tablewriter.NewWriter(w)
		table.Header(t.header()...)
		for _, row := range t.rows() {
			if err := table.Append(row...); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
