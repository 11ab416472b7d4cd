// Package cli is the gatebot command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gatebot",
		Short: "Channel-gated file delivery bot for Telegram",
		Long: `gatebot delivers a file to Telegram users who joined a channel and lets
the admin broadcast a message to every user who has talked to the bot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewUsersCommand(opts))
	return cmd
}
