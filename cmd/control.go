package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shmooki/royal-mail-ship/server"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connection and channel counts from a running broker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reply, err := control("stats")
		if err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), reply)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [reason]",
	Short: "Notify connected clients and stop a running broker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := "maintenance"
		if len(args) == 1 {
			reason = args[0]
		}
		command := "shutdown|" + strings.ReplaceAll(reason, "|", " ")
		if until, _ := cmd.Flags().GetString("until"); until != "" {
			command += "|" + until
		}
		reply, err := control(command)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("%s", reply))
		return nil
	},
}

func init() {
	shutdownCmd.Flags().String("until", "", "expected completion time (RFC 3339)")
	rootCmd.AddCommand(statsCmd, shutdownCmd)
}

func control(command string) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return server.ControlRequest(cfg.ControlSocket, command)
}

// printStats lays out the "key=value,..." reply one pair per line.
func printStats(w io.Writer, reply string) {
	for _, field := range strings.Split(reply, ",") {
		key, value, _ := strings.Cut(field, "=")
		if key == "users" {
			value = strings.ReplaceAll(value, ";", ", ")
		}
		fmt.Fprintf(w, "%s %s\n", color.CyanString("%-12s", key+":"), value)
	}
}
