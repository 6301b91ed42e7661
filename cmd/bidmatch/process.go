package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

var processCmd = &cobra.Command{
	Use:   "process CONTAINER/KEY...",
	Short: "Run one batch through the pipeline and print the result",
	Long: `Processes the given opportunity objects synchronously, writes verdicts to
the results container and prints the batch result as JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := parseRefs(args)
		if err != nil {
			return err
		}
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)

		result, err := a.Coordinator.ProcessBatch(cmd.Context(), items)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d items failed", result.Failed, result.Total)
		}
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue CONTAINER/KEY...",
	Short: "Submit work items to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := parseRefs(args)
		if err != nil {
			return err
		}
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)

		if a.Intake == nil {
			return fmt.Errorf("enqueue requires a queue: set REDIS_URL or DATABASE_URL")
		}
		ids, err := a.Intake.Submit(cmd.Context(), items)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

// parseRefs turns container/key arguments into creation-event messages.
func parseRefs(args []string) ([]domain.WorkItemMessage, error) {
	items := make([]domain.WorkItemMessage, 0, len(args))
	for _, arg := range args {
		container, key, ok := strings.Cut(arg, "/")
		if !ok || container == "" || key == "" {
			return nil, fmt.Errorf("%w: %q is not CONTAINER/KEY", domain.ErrInvalidInput, arg)
		}
		items = append(items, domain.NewWorkItemMessage(container, key))
	}
	if err := domain.ValidateBatch(items); err != nil {
		return nil, err
	}
	return items, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
