package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

func seedCommands(r *remitInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "create the demo accounts when the ledger is empty",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := r.remit.Seed(context.Background())
			if err != nil {
				log.Fatalf("Error seeding accounts: %v", err)
			}
			log.Printf("Seeded %d accounts", n)
		},
	}
	return cmd
}
