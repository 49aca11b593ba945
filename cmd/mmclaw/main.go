package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/mmclaw/cmd/mmclaw/internal/gateway"
	"github.com/tinyland-inc/mmclaw/cmd/mmclaw/internal/onboard"
	"github.com/tinyland-inc/mmclaw/cmd/mmclaw/internal/version"
)

func NewMmclawCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mmclaw",
		Short:   "mmclaw - Mattermost to AI agent bridge",
		Example: "mmclaw gateway",
	}

	cmd.AddCommand(
		onboard.NewOnboardCommand(),
		gateway.NewGatewayCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewMmclawCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
