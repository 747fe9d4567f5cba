package main

import (
	"os"

	"github.com/spf13/cobra"

	"synod/cmd/demo"
	"synod/cmd/serve"
	"synod/cmd/start"
)

func main() {
	root := &cobra.Command{
		Use:          "synod",
		Short:        "Single-decree Paxos proposers and acceptors",
		SilenceUsage: true,
	}
	root.AddCommand(
		serve.Command(),
		start.Command(),
		demo.Command(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
