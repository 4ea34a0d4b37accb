// Command citytwin runs the streaming state-synchronisation engine of a city
// digital twin.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-digitaltwin/citytwin/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "citytwin",
	Short: "Streaming state synchronisation for a city digital twin",
	Long: "Consumes city telemetry topics, keeps the city state in memory, persists it to " +
		"durable stores and pushes differential updates to connected clients.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		handler, err := cfg.Log.Handler(os.Stderr)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		slog.SetDefault(slog.New(handler))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
