package run

import (
	"github.com/Mmx233/QTun/config"
	"github.com/Mmx233/QTun/tools"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "config.yaml")
	Cmd        = &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel client",
		Args:  cobra.NoArgs,
		RunE:  runTunnel,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
}
