package main

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/config"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/logging"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/rules"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/storage"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/workflow"
)

// snowflakeEpoch is the start time of instance IDs.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StoreOpener opens the configured store and returns its release func.
type StoreOpener func(ctx context.Context, cfg *config.Config) (storage.Store, func(), error)

// App holds the dependencies shared by all commands.
type App struct {
	ConfigPath string
	OpenStore  StoreOpener

	Config *config.Config
	Logger *zap.Logger
	Engine *workflow.Engine

	closeStore func()
}

// NewApp creates an App that opens stores according to the config.
func NewApp() *App {
	return &App{OpenStore: openStore}
}

func newRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "approvalctl",
		Short:         "Drive document approval workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&app.ConfigPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(
		newPreviewCommand(app),
		newSubmitCommand(app),
		newApproveCommand(app),
		newRejectCommand(app),
		newSkipCommand(app),
		newConfirmCommand(app),
		newStatusCommand(app),
		newListCommand(app),
		newRetireCommand(app),
		newPurgeCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the CLI with args and releases all resources afterwards.
func (app *App) Execute(ctx context.Context, args []string, cmdOpts ...func(*cobra.Command)) error {
	root := newRootCommand(app)
	root.SetArgs(args)
	for _, opt := range cmdOpts {
		opt(root)
	}
	defer app.close()
	return root.ExecuteContext(ctx)
}

func (app *App) init(ctx context.Context) error {
	cfg, err := config.Load(app.ConfigPath)
	if err != nil {
		return err
	}
	app.Config = cfg

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	app.Logger = logger

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	app.closeStore = closeStore

	engine, err := workflow.NewEngine(
		generator.NewSnowflake(snowflakeEpoch, cfg.Engine.NodeID),
		store,
		rules.NewExprEvaluator(),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	app.Engine = engine

	// A memory store starts empty on every run.
	if cfg.Storage.Driver == config.DriverMemory {
		for _, wf := range cfg.WorkflowConfigs() {
			if err := engine.RegisterConfig(ctx, wf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (app *App) close() {
	if app.Engine != nil {
		app.Engine.Stop()
		app.Engine = nil
	}
	if app.closeStore != nil {
		app.closeStore()
		app.closeStore = nil
	}
	if app.Logger != nil {
		_ = app.Logger.Sync()
		app.Logger = nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		s, err := storage.NewRedisStorage(cfg.RedisOptions())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.DriverPostgres:
		s, err := storage.NewPostgresStorage(ctx, cfg.PostgresOptions())
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Postgres.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.Close, nil

	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}
