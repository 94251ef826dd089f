package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/live"
	"github.com/sourceplane/liteflow/internal/runner"
)

var runSuffix string

var runCmd = &cobra.Command{
	Use:   "run <job> [args...]",
	Short: "Run a job of the live flow",
	Long:  "Resolve a job of live.yml and run it. Multi-jobs accept a suffix and extra arguments; without a suffix a random one is generated.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, args[0], args[1:])
	},
}

func registerRunCommand(root *cobra.Command) {
	root.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runSuffix, "suffix", "s", "", "Suffix of a multi-job instance")
	runCmd.Flags().StringArrayVarP(&paramFlags, "param", "p", nil, "Job parameter as key=value (repeatable)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the job instead of running it")
}

func runJob(cmd *cobra.Command, jobID string, args []string) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	flow, err := s.ws.LoadLive()
	if err != nil {
		return err
	}
	var exec executor.Executor = localRunner(s)
	if dryRun {
		exec = runner.NewDryRun(os.Stdout)
	}
	r, err := live.New(ctx, flow, s.inputs, exec)
	if err != nil {
		return err
	}

	res, err := r.Run(ctx, jobID, live.Options{
		Suffix:       runSuffix,
		Args:         args,
		Params:       s.inputs.Params,
		PollInterval: s.cfg.PollInterval,
	})
	if err != nil {
		return err
	}

	if res.Attached {
		fmt.Printf("□ %s is already running, attached to %s\n", res.Spec.Name, res.Handle.ID)
	}
	if res.Suffix != "" {
		fmt.Printf("□ %s (suffix %s)\n", res.Spec.Name, res.Suffix)
	}
	switch res.Status {
	case executor.StatusRunning:
		if !res.Attached {
			fmt.Printf("✓ %s started in background\n", res.Spec.Name)
		}
	case executor.StatusSucceeded:
		fmt.Printf("✓ %s succeeded\n", res.Spec.Name)
		keys := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s=%s\n", k, res.Outputs[k])
		}
	default:
		return fmt.Errorf("job %s %s", res.Spec.Name, res.Status)
	}
	return nil
}
