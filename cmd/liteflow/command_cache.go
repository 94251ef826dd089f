package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/model"
)

var (
	cacheFlow      string
	cacheNode      string
	cacheOlderThan string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached node results",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached results of the project, of one flow or of one node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clearCache(cmd)
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached results older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pruneCache(cmd)
	},
}

func registerCacheCommand(root *cobra.Command) {
	root.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd, cachePruneCmd)

	cacheClearCmd.Flags().StringVar(&cacheFlow, "flow", "", "Only clear results of this batch flow")
	cacheClearCmd.Flags().StringVar(&cacheNode, "node", "", "Only clear results of this node id (requires --flow)")
	cachePruneCmd.Flags().StringVar(&cacheFlow, "flow", "", "Only prune results of this batch flow")
	cachePruneCmd.Flags().StringVar(&cacheOlderThan, "older-than", "14d", "Age of the oldest result to keep (e.g. 7d, 12h)")
}

// cacheFilter scopes cache administration to the current project
func cacheFilter(projectID, flowID, nodeID string) (cache.Filter, error) {
	if nodeID != "" && flowID == "" {
		return cache.Filter{}, fmt.Errorf("--node requires --flow")
	}
	return cache.Filter{ProjectID: projectID, FlowID: flowID, NodeID: nodeID}, nil
}

func clearCache(cmd *cobra.Command) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	f, err := cacheFilter(s.ws.Project.ID, cacheFlow, cacheNode)
	if err != nil {
		return err
	}
	b, err := openCache(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer b.close()

	n, err := b.cache.Invalidate(ctx, f)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Removed %d cached result(s)\n", n)
	return nil
}

func pruneCache(cmd *cobra.Command) error {
	age, err := model.ParseLifeSpan(cacheOlderThan)
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}
	if age <= 0 {
		return fmt.Errorf("invalid --older-than %q: must be positive", cacheOlderThan)
	}

	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	b, err := openCache(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer b.close()

	n, err := b.cache.Prune(ctx, cache.Filter{ProjectID: s.ws.Project.ID, FlowID: cacheFlow}, age)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Removed %d result(s) older than %s\n", n, age.Round(time.Second))
	return nil
}
