// Package app wires the store, queue, remote client and sync engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"shelfsync/internal/config"
	"shelfsync/internal/connectivity"
	"shelfsync/internal/database"
	"shelfsync/internal/domain"
	"shelfsync/internal/events"
	"shelfsync/internal/logging"
	"shelfsync/internal/models"
	"shelfsync/internal/queue"
	"shelfsync/internal/remote"
	"shelfsync/internal/syncengine"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

const (
	defaultConfigPath   = "configs/config.yaml"
	defaultEntitiesPath = "configs/entities.yaml"
)

type App struct {
	Config   *config.Config
	Store    *database.DB
	Queue    *queue.Queue
	Remote   *remote.Client
	Engine   *syncengine.Engine
	Events   *events.EventBus
	Redis    *redis.Client
	Notifier *queue.RedisNotifier

	logger *zerolog.Logger
}

// LoadConfig reads CONFIG_PATH (or the default) and the optional ENTITIES_PATH file, and
// builds the logger.
func LoadConfig(configPath string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	entities, err := loadEntities()
	if err != nil {
		return nil, nil, nil, err
	}
	if entities != nil {
		if err := cfg.UseEntities(entities); err != nil {
			return nil, nil, nil, fmt.Errorf("entities: %w", err)
		}
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

func loadEntities() ([]models.Entity, error) {
	path := os.Getenv("ENTITIES_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultEntitiesPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read entities %s: %w", path, err)
	}

	var file struct {
		Entities []models.Entity `yaml:"entities"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse entities %s: %w", path, err)
	}
	return file.Entities, nil
}

// New opens the store and builds the engine. online is the initial connectivity state.
func New(ctx context.Context, cfg *config.Config, online bool, logger *zerolog.Logger) (*App, error) {
	store := database.New(cfg.Store.Path, database.Options{
		Driver:      cfg.Store.Driver,
		BusyTimeout: cfg.Store.BusyTimeout,
		Collections: cfg.Collections(),
	}, logging.Component(logger, "store"))
	if _, err := store.Open(ctx); err != nil {
		logger.Error().Err(err).Str("path", cfg.Store.Path).Msg("init store")
		return nil, err
	}

	a := &App{Config: cfg, Store: store, Events: events.NewEventBus(), logger: logger}
	a.initRedis(ctx)

	var (
		registrar domain.Registrar
		sink      domain.DeadLetterSink
	)
	if a.Notifier != nil {
		registrar = a.Notifier
		sink = a.Notifier
	}
	a.Queue = queue.New(store, registrar, sink, logging.Component(logger, "queue"))
	a.Remote = remote.NewClient(cfg.Remote, cfg.Sync.PullPageLimit, logging.Component(logger, "remote"))
	a.Engine = syncengine.New(syncengine.Deps{
		Queue:   a.Queue,
		Records: store,
		Meta:    store,
		Remote:  a.Remote,
		Events:  a.Events,
	}, syncengine.Options{
		Retry: syncengine.RetryPolicy{
			MaxRetries:    cfg.Sync.MaxRetries,
			InitialDelay:  cfg.Sync.InitialDelay,
			MaxDelay:      cfg.Sync.MaxDelay,
			BackoffFactor: cfg.Sync.BackoffFactor,
		},
		DeadLetterExhausted: cfg.Sync.DeadLetterExhausted,
		PullOverlap:         cfg.Sync.PullOverlap,
		Entities:            cfg.Entities,
		Online:              online,
	}, logging.Component(logger, "sync"))

	if err := a.Engine.RefreshStatus(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial status refresh failed")
	}
	return a, nil
}

// initRedis enables background registration when Redis answers; otherwise the app runs
// without it.
func (a *App) initRedis(ctx context.Context) {
	if a.Config.Redis.Address == "" {
		return
	}

	client := queue.NewRedisClient(a.Config.Redis)
	if err := queue.Ping(ctx, client); err != nil {
		a.logger.Warn().Err(err).Msg("redis connection failed, continuing without background registration")
		_ = client.Close()
		return
	}

	a.logger.Info().Str("addr", a.Config.Redis.Address).Msg("redis connected")
	a.Redis = client
	a.Notifier = queue.NewRedisNotifier(client, a.Config.Redis, logging.Component(a.logger, "redis"))
}

// NewSignal returns the connectivity source: a health probe when one is configured,
// otherwise a manual signal fixed at AssumeOnline.
func NewSignal(cfg *config.Config, logger *zerolog.Logger) connectivity.Signal {
	c := cfg.Connectivity
	if c.ProbeURL == "" {
		return connectivity.NewManualSignal(c.AssumeOnline)
	}
	return connectivity.NewProbeSignal(c.ProbeURL, c.ProbeInterval, c.ProbeTimeout, c.AssumeOnline, logging.Component(logger, "probe"))
}

// ProbeOnline checks connectivity once, for short-lived commands.
func ProbeOnline(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) bool {
	signal := NewSignal(cfg, logger)
	if probe, ok := signal.(*connectivity.ProbeSignal); ok {
		ctx, cancel := context.WithTimeout(ctx, cfg.Connectivity.ProbeTimeout)
		defer cancel()
		return probe.Probe(ctx)
	}
	return signal.Online()
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
