package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nupi-ai/audionode/internal/config"
	"github.com/nupi-ai/audionode/internal/daemon"
)

func newStopCommand(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			if err := daemon.Stop(cfg.Paths()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stop signal sent")
			return nil
		},
	}
}
