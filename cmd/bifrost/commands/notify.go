package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/push"
)

var (
	notifyChannel          string
	notifyChangeNumber     int64
	notifyDefaultTreatment string
)

// notifyCmd publishes push notifications to SDKs subscribed to a Redis channel.
var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Publish push notifications",
	Long: `Publish a push notification on the Redis channel SDKs subscribe to.
SDKs refetch the affected resource, or kill the flag in place.

Connection settings are read from BIFROST_REDIS_* environment variables.`,
}

var notifySplitUpdateCmd = &cobra.Command{
	Use:   "split-update",
	Short: "Signal that flag definitions changed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishNotification(cmd, dtos.Notification{Type: dtos.NotificationSplitUpdate})
	},
}

var notifyRuleBasedSegmentUpdateCmd = &cobra.Command{
	Use:   "rb-segment-update",
	Short: "Signal that rule-based segment definitions changed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishNotification(cmd, dtos.Notification{Type: dtos.NotificationRuleBasedSegmentUpdate})
	},
}

var notifySegmentUpdateCmd = &cobra.Command{
	Use:   "segment-update <segment>",
	Short: "Signal that a segment's membership changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishNotification(cmd, dtos.Notification{
			Type:        dtos.NotificationSegmentUpdate,
			SegmentName: args[0],
		})
	},
}

var notifyKillCmd = &cobra.Command{
	Use:   "kill <flag>",
	Short: "Kill a flag so every key gets the default treatment",
	Long: `Kill a flag on every subscribed SDK without waiting for the next fetch.

Examples:
  bifrost notify kill checkout_redesign --default-treatment off`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishNotification(cmd, dtos.Notification{
			Type:             dtos.NotificationSplitKill,
			SplitName:        args[0],
			DefaultTreatment: notifyDefaultTreatment,
		})
	},
}

// publishNotification stamps the change number and sends n.
func publishNotification(cmd *cobra.Command, n dtos.Notification) error {
	n.ChangeNumber = notifyChangeNumber
	if n.ChangeNumber <= 0 {
		n.ChangeNumber = time.Now().UnixMilli()
	}

	redisCfg, err := config.LoadRedis(environment)
	if err != nil {
		return err
	}
	client, err := cache.NewRedisClient(cmd.Context(), redisCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	source := push.NewRedisSource(newLogger(), client, notifyChannel)
	if err := source.Publish(cmd.Context(), n); err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), n)
}

func init() {
	notifyCmd.PersistentFlags().StringVar(&notifyChannel, "channel", "bifrost.notifications", "Redis pub/sub channel")
	notifyCmd.PersistentFlags().Int64Var(&notifyChangeNumber, "change-number", 0, "Change number (defaults to the current time in milliseconds)")

	notifyKillCmd.Flags().StringVar(&notifyDefaultTreatment, "default-treatment", "", "Treatment served once the flag is killed")
	_ = notifyKillCmd.MarkFlagRequired("default-treatment")

	notifyCmd.AddCommand(notifySplitUpdateCmd, notifyRuleBasedSegmentUpdateCmd, notifySegmentUpdateCmd, notifyKillCmd)
	rootCmd.AddCommand(notifyCmd)
}
