// Package cmd implements kvcorectl, a thin RPC client CLI for kvcore.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverAddr string

// RootCmd is the kvcorectl entrypoint.
var RootCmd = &cobra.Command{
	Use:   "kvcorectl",
	Short: "kvcorectl talks to a kvcore RPC server over HTTP",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()
		if err := bindFlags(cmd.Root()); err != nil {
			return err
		}
		if v := viper.GetString("server"); v != "" {
			serverAddr = v
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8099", "address of the kvcore RPC server")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(openCmd)
	RootCmd.AddCommand(putCmd)
	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(delCmd)
	RootCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(txnCmd)
	RootCmd.AddCommand(saveCmd)
	RootCmd.AddCommand(loadCmd)
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
