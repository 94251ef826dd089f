package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/render"
)

var bakesLimit int

var bakesCmd = &cobra.Command{
	Use:   "bakes [batch]",
	Short: "List recorded bakes of the project, or of one batch flow",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flowID := ""
		if len(args) == 1 {
			flowID = args[0]
		}
		return listBakes(cmd, flowID)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <bake-id>",
	Short: "Show the node outcomes of a recorded bake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectBake(cmd, args[0])
	},
}

func registerHistoryCommands(root *cobra.Command) {
	root.AddCommand(bakesCmd)
	root.AddCommand(inspectCmd)

	bakesCmd.Flags().IntVarP(&bakesLimit, "limit", "n", 20, "Show at most this many bakes (0 for all)")
}

func listBakes(cmd *cobra.Command, flowID string) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	b, err := openCache(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer b.close()

	bakes, err := b.history.ListBakes(ctx, cache.Filter{ProjectID: s.ws.Project.ID, FlowID: flowID})
	if err != nil {
		return fmt.Errorf("failed to list bakes: %w", err)
	}
	if bakesLimit > 0 && len(bakes) > bakesLimit {
		bakes = bakes[:bakesLimit]
	}
	render.WriteBakes(os.Stdout, bakes)
	return nil
}

func inspectBake(cmd *cobra.Command, id string) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	b, err := openCache(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer b.close()

	bake, err := b.history.GetBake(ctx, id)
	if errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("no bake %q recorded", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load bake %s: %w", id, err)
	}
	render.WriteBake(os.Stdout, bake)
	return nil
}
