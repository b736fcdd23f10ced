package main

import (
	"context"
	"fmt"

	"github.com/openforcefield/bespoke-executor/pkg/client"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List submissions",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("status", "", "filter by submission status")
}

func runList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	bind, _ := cmd.Flags().GetString("bind")
	c := client.New(bind)

	items, _, err := c.List(context.Background(), client.ListOptions{Status: status})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No submissions found")
		return nil
	}
	fmt.Printf("%-10s %s\n", "ID", "STATUS")
	for _, item := range items {
		fmt.Printf("%-10d %s\n", item.ID, item.Status)
	}
	return nil
}
