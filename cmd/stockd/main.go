package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/stockd/core/cmd/stockd/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "stockd",
		Short:        "stockd stock dispenser",
		Long:         `stockd keeps per-category pools of single-use records on disk, hands one out per request and lets admins restock them.`,
		SilenceUsage: true,
	}

	// Add commands
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewStockCommand())
	rootCmd.AddCommand(commands.NewDispenseCommand())
	rootCmd.AddCommand(commands.NewRestockCommand())
	rootCmd.AddCommand(commands.NewTokenCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		log.Printf("Command execution failed: %v", err)
		os.Exit(1)
	}
}
