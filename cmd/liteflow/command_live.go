package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/live"
)

var (
	statusSuffix string
	killSuffix   string
	killAll      bool
)

var psCmd = &cobra.Command{
	Use:   "ps [job]",
	Short: "List running jobs of the live flow",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := ""
		if len(args) == 1 {
			jobID = args[0]
		}
		return withLive(cmd, func(ctx context.Context, r *live.Runner) error {
			running, err := r.Ps(ctx, jobID)
			if err != nil {
				return err
			}
			writeInstances(os.Stdout, running)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Show whether a job of the live flow is running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLive(cmd, func(ctx context.Context, r *live.Runner) error {
			running, err := r.Status(ctx, args[0], statusSuffix)
			if err != nil {
				return err
			}
			if len(running) == 0 {
				fmt.Printf("□ %s is not running\n", args[0])
				return nil
			}
			writeInstances(os.Stdout, running)
			return nil
		})
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [job]",
	Short: "Stop running jobs of the live flow",
	Long:  "Stop a job of the live flow. Without --suffix every instance of a multi-job is stopped; --all stops every job of the flow.",
	Args: func(cmd *cobra.Command, args []string) error {
		if killAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLive(cmd, func(ctx context.Context, r *live.Runner) error {
			var killed []live.Instance
			var err error
			if killAll {
				killed, err = r.KillAll(ctx)
			} else {
				killed, err = r.Kill(ctx, args[0], killSuffix)
			}
			for _, inst := range killed {
				fmt.Printf("✓ Stopped %s (%s)\n", inst.Handle.Name, inst.Handle.ID)
			}
			if err != nil {
				return err
			}
			if len(killed) == 0 {
				fmt.Println("□ Nothing to stop")
			}
			return nil
		})
	},
}

func registerLiveCommands(root *cobra.Command) {
	root.AddCommand(psCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(killCmd)

	statusCmd.Flags().StringVarP(&statusSuffix, "suffix", "s", "", "Suffix of a multi-job instance")
	killCmd.Flags().StringVarP(&killSuffix, "suffix", "s", "", "Suffix of a multi-job instance")
	killCmd.Flags().BoolVar(&killAll, "all", false, "Stop every running job of the live flow")
}

// withLive opens the live flow of the workspace with the local runner
func withLive(cmd *cobra.Command, fn func(context.Context, *live.Runner) error) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	flow, err := s.ws.LoadLive()
	if err != nil {
		return err
	}
	r, err := live.New(ctx, flow, s.inputs, localRunner(s))
	if err != nil {
		return err
	}
	return fn(ctx, r)
}

func writeInstances(w io.Writer, running []live.Instance) {
	if len(running) == 0 {
		fmt.Fprintln(w, "No running jobs")
		return
	}
	for _, inst := range running {
		job := inst.JobID
		if inst.Suffix != "" {
			job += " (suffix " + inst.Suffix + ")"
		}
		fmt.Fprintf(w, "%-24s %-28s running for %s\n", job, inst.Handle.ID, time.Since(inst.Started).Round(time.Second))
	}
}
