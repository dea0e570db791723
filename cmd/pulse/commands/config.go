package commands

import (
	"github.com/hgnetwork/pulse/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Pulse config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Pulse: *config.NewDefaultConfig(),
	}
}
