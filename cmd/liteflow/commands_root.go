package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sourceplane/liteflow/internal/config"
	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/flowctx"
	"github.com/sourceplane/liteflow/internal/git"
	"github.com/sourceplane/liteflow/internal/loader"
)

var (
	workDir     string
	logLevel    string
	logFormat   string
	maxParallel int
	dryRun      bool
	paramFlags  []string
)

var rootCmd = &cobra.Command{
	Use:           "liteflow",
	Short:         "Workflow engine: live jobs and batch DAGs",
	Long:          "liteflow resolves declarative workflows from the .liteflow directory and runs them as jobs, with matrix expansion, dependency ordering and result caching",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", ".", "Directory to search for the .liteflow directory from")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text/json)")

	registerBakeCommand(rootCmd)
	registerRunCommand(rootCmd)
	registerGraphCommand(rootCmd)
	registerValidateCommand(rootCmd)
	registerCacheCommand(rootCmd)
	registerHistoryCommands(rootCmd)
	registerLiveCommands(rootCmd)
}

// session is the state shared by every command
type session struct {
	ws     *loader.Workspace
	cfg    *config.Config
	inputs flowctx.Inputs
}

// open locates the workspace, loads the configuration and installs the logger
func open(cmd *cobra.Command) (context.Context, *session, error) {
	ws, err := loader.Open(workDir)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(ws.ConfigDir, nil)
	if err != nil {
		return nil, nil, err
	}

	// Flags win over file and environment
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if f := cmd.Flags().Lookup("max-parallel"); f != nil && f.Changed {
		cfg.MaxParallel = maxParallel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	params, err := parseParams(paramFlags)
	if err != nil {
		return nil, nil, err
	}

	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx := ctxlog.WithLogger(cmd.Context(), logger)
	return ctx, &session{
		ws:  ws,
		cfg: cfg,
		inputs: flowctx.Inputs{
			Workspace: ws.Root,
			Project:   *ws.Project,
			VCS:       git.NewRepo(ws.Root),
			Params:    params,
		},
	}, nil
}

// parseParams turns repeated key=value flags into a map
func parseParams(flags []string) (map[string]string, error) {
	params := make(map[string]string, len(flags))
	for _, kv := range flags {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}
