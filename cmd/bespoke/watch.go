package main

import (
	"context"
	"fmt"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/client"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a submission until it reaches a terminal status",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().Int64("id", 0, "submission id")
	watchCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	_ = watchCmd.MarkFlagRequired("id")
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetInt64("id")
	interval, _ := cmd.Flags().GetDuration("interval")
	bind, _ := cmd.Flags().GetString("bind")
	c := client.New(bind)
	ctx := context.Background()

	var lastStatus string
	for {
		sub, err := c.Get(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != lastStatus {
			fmt.Printf("submission %d: %s\n", id, sub.Status)
			for _, stage := range sub.Stages {
				fmt.Printf("  %-10s %s\n", stage.Name, stage.Status)
			}
			lastStatus = sub.Status
		}

		switch sub.Status {
		case "success":
			return nil
		case "errored":
			return withExit(exitSubmissionErrored, fmt.Errorf("submission %d errored: %s", id, sub.Error))
		case "cancelled":
			return withExit(exitSubmissionCancelled, fmt.Errorf("submission %d cancelled", id))
		}
		time.Sleep(interval)
	}
}
