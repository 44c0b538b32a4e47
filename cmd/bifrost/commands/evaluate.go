package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/bifrost/internal/client"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/sdk"
)

var (
	evalFile         string
	evalKey          string
	evalBucketingKey string
	evalFlags        []string
	evalSets         []string
	evalAttributes   string
	evalWithConfig   bool
	evalTimeout      time.Duration
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate flags from a local definitions file",
	Long:  `Evaluate flags for one key against a YAML or JSON definitions file.

Examples:
  bifrost evaluate --file flags.yaml --key user-42 --flag checkout_redesign
  bifrost evaluate --file split-changes.json --key user-42 --set frontend --with-config
  bifrost evaluate --file flags.yaml --key user-42 --flag pricing --attributes '{"plan":"pro"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(evalFlags) == 0 && len(evalSets) == 0 {
			return fmt.Errorf("at least one --flag or --set is required")
		}

		var attributes map[string]any
		if evalAttributes != "" {
			if err := json.Unmarshal([]byte(evalAttributes), &attributes); err != nil {
				return fmt.Errorf("attributes must be a JSON object: %w", err)
			}
		}

		bifrost, err := sdk.New(newLogger(), localhostConfig(evalFile), sdk.Deps{})
		if err != nil {
			return err
		}
		bifrost.Start(cmd.Context())
		defer bifrost.Client.Destroy()

		ctx, cancel := context.WithTimeout(cmd.Context(), evalTimeout)
		defer cancel()
		if err := bifrost.Client.BlockUntilReady(ctx); err != nil {
			return fmt.Errorf("failed to load %s: %w", evalFile, err)
		}

		key := client.Key{MatchingKey: evalKey, BucketingKey: evalBucketingKey}
		results := make(map[string]client.TreatmentResult)
		if len(evalFlags) > 0 {
			for name, res := range bifrost.Client.GetTreatmentsWithConfig(key, evalFlags, attributes) {
				results[name] = res
			}
		}
		if len(evalSets) > 0 {
			for name, res := range bifrost.Client.GetTreatmentsWithConfigByFlagSets(key, evalSets, attributes) {
				results[name] = res
			}
		}

		if format == "table" {
			return printResult(cmd.OutOrStdout(), newTreatmentTable(results, evalWithConfig))
		}
		if evalWithConfig {
			return printResult(cmd.OutOrStdout(), results)
		}
		treatments := make(map[string]string, len(results))
		for name, res := range results {
			treatments[name] = res.Treatment
		}
		return printResult(cmd.OutOrStdout(), treatments)
	},
}

// treatmentTable lists results sorted by flag name.
type treatmentTable struct {
	names      []string
	results    map[string]client.TreatmentResult
	withConfig bool
}

func newTreatmentTable(results map[string]client.TreatmentResult, withConfig bool) treatmentTable {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return treatmentTable{names: names, results: results, withConfig: withConfig}
}

func (t treatmentTable) header() []any {
	if t.withConfig {
		return []any{"Flag", "Treatment", "Config"}
	}
	return []any{"Flag", "Treatment"}
}

func (t treatmentTable) rows() [][]any {
	rows := make([][]any, 0, len(t.names))
	for _, name := range t.names {
		res := t.results[name]
		if !t.withConfig {
			rows = append(rows, []any{name, res.Treatment})
			continue
		}
		cfg := "-"
		if res.Config != nil {
			cfg = *res.Config
		}
		rows = append(rows, []any{name, res.Treatment, cfg})
	}
	return rows
}

// localhostConfig mirrors the SDK defaults for a one-shot evaluation that
// records nothing.
func localhostConfig(path string) *config.SDKConfig {
	return &config.SDKConfig{
		Mode:                 config.ModeLocalhost,
		LocalhostFile:        path,
		FeaturesRefreshRate:  time.Minute,
		SegmentsRefreshRate:  time.Minute,
		SegmentWorkers:       4,
		FetchMaxRetries:      0,
		FetchBaseDelay:       100 * time.Millisecond,
		ImpressionsMode:      config.ImpressionsNone,
		ImpressionsQueueSize: 1,
		EventsQueueSize:      1,
		Sink:                 config.SinkNone,
		SinkFlushInterval:    time.Minute,
		SinkBatchSize:        1,
	}
}

func init() {
	evaluateCmd.Flags().StringVar(&evalFile, "file", "", "Definitions file (.yaml, .yml or .json)")
	evaluateCmd.Flags().StringVar(&evalKey, "key", "", "Matching key")
	evaluateCmd.Flags().StringVar(&evalBucketingKey, "bucketing-key", "", "Bucketing key (defaults to the matching key)")
	evaluateCmd.Flags().StringSliceVar(&evalFlags, "flag", nil, "Flag to evaluate (repeatable)")
	evaluateCmd.Flags().StringSliceVar(&evalSets, "set", nil, "Flag set to evaluate (repeatable)")
	evaluateCmd.Flags().StringVar(&evalAttributes, "attributes", "", "Attributes as a JSON object")
	evaluateCmd.Flags().BoolVar(&evalWithConfig, "with-config", false, "Include treatment configurations")
	evaluateCmd.Flags().DurationVar(&evalTimeout, "timeout", 10*time.Second, "How long to wait for the definitions to load")
	_ = evaluateCmd.MarkFlagRequired("file")
	_ = evaluateCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(evaluateCmd)
}
