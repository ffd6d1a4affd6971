package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/store"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect storefront orders",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		orders, err := st.ListOrders(ctx, store.OrderFilter{
			Status: model.OrderStatus(status),
			UserID: userID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "orders list")
		}

		if len(orders) == 0 {
			fmt.Fprintln(os.Stderr, "No orders found.")
			return nil
		}

		formatOrdersList(os.Stdout, orders)
		return nil
	},
}

func formatOrdersList(w io.Writer, orders []model.Order) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSTATUS\tITEMS\tCREATED\tFULFILLED")
	for _, o := range orders {
		fulfilled := ""
		if o.FulfilledAt != nil {
			fulfilled = o.FulfilledAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			o.ID, o.UserID, o.Status, len(o.Items),
			o.CreatedAt.Format(time.RFC3339), fulfilled)
	}
	tw.Flush()
}

func init() {
	ordersListCmd.Flags().String("status", "", "filter by status (pending, paid, fulfilled)")
	ordersListCmd.Flags().String("user", "", "filter by user ID")
	ordersListCmd.Flags().Int("limit", 50, "maximum rows")
	ordersCmd.AddCommand(ordersListCmd)
	rootCmd.AddCommand(ordersCmd)
}
