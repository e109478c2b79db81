package main

import (
	"github.com/ngrok/handoff"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTeardownCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Abort and remove the channel, waking every process waiting on it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := handoff.ForceTeardown(options(v, l, nil)...); err != nil {
				return err
			}
			l.Info("channel removed", "segment", v.GetString("segment"))
			return nil
		},
	}
}
