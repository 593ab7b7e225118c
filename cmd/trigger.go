package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/dashlink/internal/config"
	"github.com/andresmejia3/dashlink/internal/trigger"
	"github.com/andresmejia3/dashlink/internal/utils"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	triggerConfigPath string
	triggerValues     = config.Default()
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running transmitter to send the current artifacts",
	Long:  "Writes one trigger line to the transmitter's named pipe, or publishes it on Redis when --redis-addr is set.",
	Run: func(cmd *cobra.Command, args []string) {
		tc := triggerValues.Trigger
		if triggerConfigPath != "" {
			cfg, err := config.Load(triggerConfigPath)
			if err != nil {
				utils.Die("Invalid configuration", err)
			}
			applyTriggerFlags(&tc, cfg.Trigger, triggerValues.Trigger, cmd.Flags().Changed)
		}

		if tc.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: tc.RedisAddr})
			defer client.Close()
			if err := trigger.Publish(cmd.Context(), client, tc.RedisChannel); err != nil {
				utils.Die("Failed to publish trigger", err)
			}
			fmt.Fprintf(os.Stderr, "🔔 Published trigger on %s/%s\n", tc.RedisAddr, tc.RedisChannel)
			return
		}

		if err := trigger.Send(tc.FIFO); err != nil {
			utils.Die("Failed to write trigger", err)
		}
		fmt.Fprintf(os.Stderr, "🔔 Trigger written to %s\n", tc.FIFO)
	},
}

func init() {
	triggerCmd.Flags().StringVarP(&triggerConfigPath, "config", "c", "", "YAML config file shared with serve")
	triggerCmd.Flags().StringVar(&triggerValues.Trigger.FIFO, "fifo", triggerValues.Trigger.FIFO, "Named pipe the transmitter reads")
	triggerCmd.Flags().StringVar(&triggerValues.Trigger.RedisAddr, "redis-addr", "", "Publish on Redis at this address instead of writing the FIFO")
	triggerCmd.Flags().StringVar(&triggerValues.Trigger.RedisChannel, "redis-channel", triggerValues.Trigger.RedisChannel, "Redis pub/sub channel")
	rootCmd.AddCommand(triggerCmd)
}

// applyTriggerFlags starts from the file's trigger settings and lets explicit flags win.
func applyTriggerFlags(dst *config.TriggerConfig, file, flags config.TriggerConfig, changed func(string) bool) {
	*dst = file
	if changed("fifo") {
		dst.FIFO = flags.FIFO
	}
	if changed("redis-addr") {
		dst.RedisAddr = flags.RedisAddr
	}
	if changed("redis-channel") {
		dst.RedisChannel = flags.RedisChannel
	}
}
