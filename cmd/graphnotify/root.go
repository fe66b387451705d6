package main

import (
	"github.com/spf13/cobra"

	"github.com/xelth-com/graphnotify/internal/buildinfo"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "graphnotify",
		Short:         "Relay change notifications to live websocket clients",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := newServeCmd()
	root.AddCommand(serve, newCertgenCmd(), newSimulateCmd())

	// serve is the default command
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}
