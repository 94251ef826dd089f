package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/normalize"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the project and all flow files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd)
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)
}

func validate(cmd *cobra.Command) error {
	fmt.Println("□ Loading project...")
	_, s, err := open(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Project %s is valid\n", s.ws.Project.ID)

	var errs []error
	if s.ws.HasLive() {
		fmt.Println("□ Validating live flow...")
		flow, err := s.ws.LoadLive()
		if err == nil {
			err = normalize.Live(flow)
		}
		if err != nil {
			fmt.Printf("✗ live: %v\n", err)
			errs = append(errs, err)
		} else {
			fmt.Printf("✓ live: %d jobs\n", len(flow.Jobs))
		}
	}

	ids, err := s.ws.ListBatches()
	if err != nil {
		return err
	}
	for _, id := range ids {
		flow, err := s.ws.LoadBatch(id)
		if err == nil {
			err = normalize.Batch(flow)
		}
		if err != nil {
			fmt.Printf("✗ %s: %v\n", id, err)
			errs = append(errs, err)
			continue
		}
		fmt.Printf("✓ %s: %d tasks\n", id, len(flow.Tasks))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d invalid flow(s): %w", len(errs), errors.Join(errs...))
	}
	fmt.Println("✓ All flows are valid")
	return nil
}
