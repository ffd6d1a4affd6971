package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fablepress/storyforge/internal/fulfillment"
	"github.com/fablepress/storyforge/internal/generr"
)

var fulfillCmd = &cobra.Command{
	Use:   "fulfill <order-id>",
	Short: "Fulfill a paid order",
	Long:  "Generates the final assets for every story in the order, in batches, and marks the order fulfilled when all items carry one.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "fulfill")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Processor.Fulfill(ctx, args[0])
		if err != nil {
			return err
		}

		formatFulfillResult(os.Stdout, res)
		if !res.Fulfilled {
			os.Exit(1)
		}
		return nil
	},
}

func formatFulfillResult(w *os.File, res *fulfillment.Result) {
	fmt.Fprintf(w, "Order %s: %d items, %d succeeded (%d skipped), %d failed\n",
		res.OrderID, res.Total, res.Succeeded, res.Skipped, res.Failed)
	if res.Fulfilled {
		fmt.Fprintln(w, "Order fulfilled.")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORY\tRESULT\tASSET")
	for _, item := range res.Items {
		switch {
		case item.Err != nil:
			fmt.Fprintf(tw, "%s\t%s\t\n", item.StoryID, generr.KindOf(item.Err))
		case item.Skipped:
			fmt.Fprintf(tw, "%s\tskipped\t%s\n", item.StoryID, item.AssetURL)
		default:
			fmt.Fprintf(tw, "%s\tok\t%s\n", item.StoryID, item.AssetURL)
		}
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(fulfillCmd)
}
