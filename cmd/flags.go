package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fablepress/storyforge/internal/flags"
	"github.com/fablepress/storyforge/internal/model"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Inspect and toggle generation feature flags",
	Long:  "The flag matrix disables (stage, activity) pairs. Pairs without an entry are enabled.",
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List explicit flag entries",
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

		matrix, err := st.GetFlagMatrix(ctx)
		if err != nil {
			return eris.Wrap(err, "flags list")
		}

		if len(matrix) == 0 {
			fmt.Fprintln(os.Stderr, "No explicit entries; everything is enabled.")
			return nil
		}

		formatFlagMatrix(os.Stdout, matrix)
		return nil
	},
}

var flagsSetCmd = &cobra.Command{
	Use:   "set <stage> <activity> <on|off>",
	Short: "Toggle one (stage, activity) pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		activity := model.Activity(args[1])
		if !activity.Valid() {
			return eris.Errorf("unknown activity: %s", args[1])
		}

		var enabled bool
		switch args[2] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return eris.Errorf("expected on or off, got %s", args[2])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.SetFlag(ctx, model.Stage(args[0]), activity, enabled); err != nil {
			return eris.Wrap(err, "flags set")
		}

		fmt.Printf("%s/%s -> %s\n", args[0], args[1], args[2])
		return nil
	},
}

func formatFlagMatrix(w io.Writer, matrix flags.Matrix) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tACTIVITY\tENABLED")
	for stage, acts := range matrix {
		for activity, enabled := range acts {
			fmt.Fprintf(tw, "%s\t%s\t%t\n", stage, activity, enabled)
		}
	}
	tw.Flush()
}

func init() {
	flagsCmd.AddCommand(flagsListCmd)
	flagsCmd.AddCommand(flagsSetCmd)
	rootCmd.AddCommand(flagsCmd)
}
