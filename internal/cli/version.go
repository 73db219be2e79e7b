package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandboxd/sandboxd/internal/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sandboxd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sandboxd", server.Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
