package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/batch"
	"github.com/sourceplane/liteflow/internal/render"
)

var (
	graphView   string
	graphOutput string
	graphFormat string
)

var graphCmd = &cobra.Command{
	Use:   "graph <batch>",
	Short: "Show the execution graph of a batch flow",
	Long:  "Plan a batch flow without running it and print its nodes and dependencies, or write the plan to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return graph(cmd, args[0])
	},
}

func registerGraphCommand(root *cobra.Command) {
	root.AddCommand(graphCmd)

	graphCmd.Flags().StringArrayVarP(&paramFlags, "param", "p", nil, "Flow parameter as key=value (repeatable)")
	graphCmd.Flags().StringVarP(&graphView, "view", "v", "dag", "View mode: dag or dependencies")
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "", "Write the plan to this file instead of printing a view")
	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "", "Plan format when printing: json or yaml")
}

func graph(cmd *cobra.Command, id string) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	plan, err := batch.Load(ctx, s.ws, id, s.inputs)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", id, err)
	}
	p := plan.Graph.Plan()
	r := render.NewRenderer()

	if graphOutput != "" {
		if err := r.WritePlan(p, graphOutput); err != nil {
			return err
		}
		fmt.Printf("✓ Plan written to %s\n", graphOutput)
		return nil
	}
	if graphFormat != "" {
		data, err := r.Render(p, graphFormat)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	viewer := render.NewPlanViewer(p)
	switch graphView {
	case "dag":
		fmt.Print(viewer.ViewDAG())
	case "dependencies", "deps":
		fmt.Print(viewer.ViewDependencies())
	default:
		return fmt.Errorf("unknown view %q (expected dag or dependencies)", graphView)
	}
	return nil
}
