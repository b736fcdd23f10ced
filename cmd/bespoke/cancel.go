package main

import (
	"context"
	"fmt"

	"github.com/openforcefield/bespoke-executor/pkg/client"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a submission",
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().Int64("id", 0, "submission id")
	_ = cancelCmd.MarkFlagRequired("id")
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetInt64("id")
	bind, _ := cmd.Flags().GetString("bind")
	c := client.New(bind)
	if err := c.Cancel(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("cancelled %d\n", id)
	return nil
}
