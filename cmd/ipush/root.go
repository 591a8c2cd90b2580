package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luojun96/ipush/build"
	"github.com/luojun96/ipush/config"
	"github.com/luojun96/ipush/logging"
	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/publish"
	"github.com/luojun96/ipush/store"
	"github.com/luojun96/ipush/tool"
	"github.com/luojun96/ipush/tracing"
	"github.com/luojun96/ipush/vcs"
)

var version = "dev"

type app struct {
	v       *viper.Viper
	cfgFile string

	cfg     config.Config
	logger  *zap.SugaredLogger
	tracing *tracing.Provider
	session string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	cmd := &cobra.Command{
		Use:          "ipush",
		Short:        "Publish build artifacts to OCI registries with oras",
		Version:      version,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "",
		"config file (default: ./ipush.yaml, then ~/.config/ipush/config.yaml)")
	flags.StringSlice("registry", nil, "registry to publish to, repeatable; replaces the configured list")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	_ = a.v.BindPFlag("registries", flags.Lookup("registry"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	cmd.AddCommand(
		newPublishCmd(a),
		newPlanCmd(a),
		newVerifyCmd(a),
	)
	return cmd
}

// run loads the configuration and observability stack around fn.
func (a *app) run(fn func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(a.v, a.cfgFile)
		if err != nil {
			return err
		}
		a.cfg = cfg

		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		a.session = uuid.NewString()
		a.logger = logger.With("session", a.session)
		defer func() { _ = a.logger.Sync() }()

		ctx := logging.WithLogger(cmd.Context(), a.logger)
		a.tracing, err = tracing.NewProvider(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			if err := a.tracing.Shutdown(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warnf("failed to flush traces: %v", err)
			}
		}()

		return fn(ctx, cmd, args)
	}
}

// publisher wires the publish pipeline from the loaded configuration.
func (a *app) publisher(cmd *cobra.Command) (*publish.Publisher, error) {
	s, err := store.New(a.cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", a.cfg.StoreDir, err)
	}
	runner := process.NewLocalRunner(s, a.logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
	runner.KeepSandboxes = a.cfg.KeepSandboxes

	packager := &build.CommandPackager{
		Runner:   runner,
		Store:    s,
		RepoRoot: a.cfg.RepoRoot,
		Targets:  a.cfg.BuildTargets(),
		Logger:   a.logger,
	}
	tracer := a.tracing.Tracer()

	return &publish.Publisher{
		Options: publish.Options{
			Registries:       a.cfg.Registries,
			UseGitCommitHash: a.cfg.UseGitCommitHash,
			UseGitCommitTags: a.cfg.UseGitCommitTags,
			Tool:             a.cfg.ToolSpec(),
			Env:              a.cfg.ToolEnv(),
			SessionID:        a.session,
		},
		Tools:    tool.NewFetcher(s, a.logger),
		Layers:   &publish.LayerResolver{Store: s, Root: a.cfg.RepoRoot},
		Deps:     &publish.DependencyResolver{Packager: packager, Store: s},
		Versions: vcs.NewResolver(runner, vcs.Locator{SearchPaths: a.cfg.SearchPaths}, a.cfg.RepoRoot, a.logger),
		Executor: &publish.Executor{
			Runner:      runner,
			Concurrency: a.cfg.Concurrency,
			Tracer:      tracer,
		},
		Tracer: tracer,
	}, nil
}
