package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openforcefield/bespoke-executor/pkg/client"
	"github.com/spf13/cobra"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Retrieve a completed submission's result",
	RunE:  runRetrieve,
}

func init() {
	retrieveCmd.Flags().Int64("id", 0, "submission id")
	retrieveCmd.Flags().String("output", "", "write the full result document to this path (default: stdout)")
	retrieveCmd.Flags().String("force-field", "", "write just the force_field output value to this path")
	_ = retrieveCmd.MarkFlagRequired("id")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetInt64("id")
	output, _ := cmd.Flags().GetString("output")
	forceFieldPath, _ := cmd.Flags().GetString("force-field")
	bind, _ := cmd.Flags().GetString("bind")

	c := client.New(bind)
	sub, err := c.Get(context.Background(), id)
	if err != nil {
		return err
	}

	switch sub.Status {
	case "errored":
		return withExit(exitSubmissionErrored, fmt.Errorf("submission %d errored: %s", id, sub.Error))
	case "cancelled":
		return withExit(exitSubmissionCancelled, fmt.Errorf("submission %d cancelled", id))
	case "success":
		// fall through
	default:
		return withExit(exitUserError, fmt.Errorf("submission %d has not finished yet (status: %s)", id, sub.Status))
	}

	if forceFieldPath != "" {
		ff, _ := sub.Result["force_field"].(string)
		if ff == "" {
			return withExit(exitUserError, fmt.Errorf("submission %d result has no force_field output", id))
		}
		if err := os.WriteFile(forceFieldPath, []byte(ff), 0o644); err != nil {
			return withExit(exitUserError, err)
		}
	}

	body, err := json.MarshalIndent(sub.Result, "", "  ")
	if err != nil {
		return withExit(exitUserError, err)
	}
	if output == "" {
		fmt.Println(string(body))
		return nil
	}
	return os.WriteFile(output, body, 0o644)
}
