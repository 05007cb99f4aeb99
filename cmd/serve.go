package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kvkolb/kvcore/kvcore"
	"github.com/kvkolb/kvcore/rpc"
)

var (
	serveEngine string
	serveDir    string
	serveAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start a kvcore RPC server backed by one engine driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := kvcore.Open(kvcore.Config{Engine: kvcore.Engine(serveEngine), Dir: serveDir})
		if err != nil {
			return err
		}
		defer db.Close()

		srv := rpc.NewServer(db)

		gcCtx, cancelGC := context.WithCancel(cmd.Context())
		defer cancelGC()
		go srv.RunStaleGC(gcCtx)

		return rpc.ListenAndServe(serveAddr, srv)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveEngine, "engine", "mem", "engine driver: mem, pebble, or badger")
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "data directory (ignored by the mem engine)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8099", "address to listen on")
}
