package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/fetcher"
)

var (
	publishFile         string
	segmentAdd          []string
	segmentRemove       []string
	segmentChangeNumber int64
)

// publishCmd groups writes to the self-hosted change feed.
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish definitions and segment changes to PostgreSQL",
	Long:  `Publish definitions and segment changes to the PostgreSQL change feed
read by SDKs running in postgres mode.

Connection settings are read from BIFROST_DB_* environment variables.`,
}

var publishDefinitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "Publish flags and rule-based segments from a split-changes file",
	Long:  `Publish every flag and rule-based segment of a split-changes JSON file.
Definitions whose stored change number is the same or newer are skipped.

Examples:
  bifrost publish definitions --file split-changes.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(publishFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", publishFile, err)
		}
		var page dtos.SplitChangesDTO
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("failed to decode %s: %w", publishFile, err)
		}

		feed, closeFeed, err := openFeed(cmd)
		if err != nil {
			return err
		}
		defer closeFeed()

		report := publishReport{}
		for i := range page.FeatureFlags.Splits {
			split := &page.FeatureFlags.Splits[i]
			report.record(split.Name, feed.PublishSplit(cmd.Context(), split))
		}
		for i := range page.RuleBasedSegments.RuleBasedSegments {
			rbs := &page.RuleBasedSegments.RuleBasedSegments[i]
			report.record(rbs.Name, feed.PublishRuleBasedSegment(cmd.Context(), rbs))
		}

		if err := printResult(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d definitions failed to publish", len(report.Failed))
		}
		return nil
	},
}

var publishSegmentCmd = &cobra.Command{
	Use:   "segment <name>",
	Short: "Add or remove keys from a segment",
	Long:  `Append a membership change to a segment.

Examples:
  bifrost publish segment beta_users --add user-1,user-2
  bifrost publish segment beta_users --remove user-3 --change-number 1700000000000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(segmentAdd) == 0 && len(segmentRemove) == 0 {
			return fmt.Errorf("at least one --add or --remove key is required")
		}
		changeNumber := segmentChangeNumber
		if changeNumber <= 0 {
			changeNumber = time.Now().UnixMilli()
		}

		feed, closeFeed, err := openFeed(cmd)
		if err != nil {
			return err
		}
		defer closeFeed()

		if err := feed.PublishSegmentChange(cmd.Context(), args[0], segmentAdd, segmentRemove, changeNumber); err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), map[string]any{
			"segment":      args[0],
			"added":        len(segmentAdd),
			"removed":      len(segmentRemove),
			"changeNumber": changeNumber,
		})
	},
}

// publishReport lists skipped and failed definitions by name.
type publishReport struct {
	Published []string          `json:"published" yaml:"published"`
	Skipped   []string          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func (r *publishReport) record(name string, err error) {
	switch {
	case err == nil:
		r.Published = append(r.Published, name)
	case errors.Is(err, fetcher.ErrStaleChangeNumber):
		r.Skipped = append(r.Skipped, name)
	default:
		if r.Failed == nil {
			r.Failed = make(map[string]string)
		}
		r.Failed[name] = err.Error()
	}
}

// openFeed connects to PostgreSQL using the BIFROST_DB_* settings.
func openFeed(cmd *cobra.Command) (*fetcher.PostgresFetcher, func(), error) {
	dbCfg, err := config.LoadDatabase(environment)
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.NewPostgresPool(cmd.Context(), dbCfg)
	if err != nil {
		return nil, nil, err
	}
	return fetcher.NewPostgresFetcher(pool), pool.Close, nil
}

func init() {
	publishDefinitionsCmd.Flags().StringVar(&publishFile, "file", "", "Split-changes JSON file")
	_ = publishDefinitionsCmd.MarkFlagRequired("file")

	publishSegmentCmd.Flags().StringSliceVar(&segmentAdd, "add", nil, "Keys to add (repeatable)")
	publishSegmentCmd.Flags().StringSliceVar(&segmentRemove, "remove", nil, "Keys to remove (repeatable)")
	publishSegmentCmd.Flags().Int64Var(&segmentChangeNumber, "change-number", 0, "Change number (defaults to the current time in milliseconds)")

	publishCmd.AddCommand(publishDefinitionsCmd, publishSegmentCmd)
	rootCmd.AddCommand(publishCmd)
}
