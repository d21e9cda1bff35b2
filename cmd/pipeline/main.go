// Command pipeline is the CLI entry point for both the client and the
// server halves of the file-transfer pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Content-addressed file-transfer and processing pipeline",
	}
	root.AddCommand(newClientCmd())
	root.AddCommand(newServerCmd())
	return root
}
