// Package cmd contains the CLI setup and commands exposed to the operator
package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/shmooki/royal-mail-ship/config"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "royal-mail-ship",
	Short:         "Channel-based message broker with encrypted fixed-size packets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default "+config.DefaultConfigFile()+")")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		log.Printf("using config file: %s", configFile)
	}
	return cfg, nil
}
