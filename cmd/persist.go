package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kvkolb/kvcore/rpc"
)

var saveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "snapshot the server's entire database to a local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := rpc.NewClient(serverAddr)
		resp, err := c.Call(&rpc.Message{Type: rpc.MsgSaveTo})
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], resp.Value, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", args[0], err)
		}
		fmt.Printf("saved %d bytes to %s\n", len(resp.Value), args[0])
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "replace the server's entire database with a local snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		c := rpc.NewClient(serverAddr)
		if _, err := c.Call(&rpc.Message{Type: rpc.MsgLoadFrom, Value: data}); err != nil {
			return err
		}
		fmt.Printf("loaded %d bytes from %s\n", len(data), args[0])
		return nil
	},
}
