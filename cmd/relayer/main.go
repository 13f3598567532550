package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Missing .env is fine; env vars may come from the environment proper.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "relayer",
		Short:        "Daqiao cross-chain pledge/withdraw relayer",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
