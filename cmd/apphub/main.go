// Command apphub runs the workflow control plane: HTTP surface, queue
// workers, event trigger processing, schedule materialization, and the
// service registry pollers, all in one process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "apphub",
		Short:         "AppHub workflow control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apphub:", err)
		os.Exit(1)
	}
}
