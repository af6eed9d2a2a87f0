package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/audionode/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show build information",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
	cmd.Flags().Bool("json", false, "print build information as JSON")
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	info := version.Current()
	out := cmd.OutOrStdout()

	if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(out, "Version: %s\n", version.FormatVersion(info.Version.Semver))
	if info.Git.Commit != "" {
		fmt.Fprintf(out, "Commit:  %s\n", info.Git.Commit)
	}
	if info.BuildTime != "" {
		fmt.Fprintf(out, "Built:   %s\n", info.BuildTime)
	}
	fmt.Fprintf(out, "Go:      %s\n", info.Go)
	return nil
}
