// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with ORDERLY, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("ORDERLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/orderly", "$HOME/.orderly", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "orderly",
		Short: "A concurrent extraction engine that publishes results in tree order",
		Long: `A concurrent extraction engine that publishes results in tree order.

Orderly runs the steps of an extraction plan concurrently, with retries, exclusive
steps and bounded outbound I/O, and delivers every result in the depth-first order
of the plan as if the steps had run one after the other.`,
		SilenceUsage: true,
	}
}
