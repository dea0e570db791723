package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for Pulse
var RootCmd = &cobra.Command{
	Use:              "pulse",
	Short:            "pulse sharded DAG ledger",
	TraverseChildren: true,
}
