// cmd/app.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aceteam-ai/narrator-cli/internal/config"
	"github.com/aceteam-ai/narrator-cli/internal/history"
	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/keystate"
	redisclient "github.com/aceteam-ai/narrator-cli/internal/redis"
	"github.com/aceteam-ai/narrator-cli/internal/ui"
)

// app holds the components shared by the commands.
type app struct {
	cfg     *config.Config
	status  *ui.StatusLine
	redis   *redisclient.Client
	store   keystate.Store
	pool    *keypool.Manager
	history *history.Store

	// quiet routes component logs to the debug log only while job events
	// are rendered; the events already carry every job log line.
	quiet bool
}

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	Debug("config: %d key(s), %d agent(s), state backend %s", len(cfg.Keys), len(cfg.Agents), cfg.State.Backend)
	return cfg, nil
}

// newApp loads the configuration and opens the key pool with its state store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireKeys(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, status: ui.NewStatusLine()}
	a.status.SetDebug(debugMode)

	if cfg.Redis.URL != "" && (cfg.State.Backend == config.BackendRedis || cfg.Redis.Publish) {
		client := redisclient.NewClient(redisclient.ClientConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			Prefix:   cfg.Redis.Prefix,
		})
		err := ui.RunWithSpinner("Connecting to Redis", func() error {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return client.Connect(cctx, cfg.Redis.URL, cfg.Redis.Password)
		})
		if err != nil {
			return nil, err
		}
		Debug("redis: connected as %s", client.InstanceID())
		a.redis = client
	}

	store, err := openStateStore(cfg, a.redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	pool, err := keypool.NewManager(ctx, cfg.Keys,
		keypool.WithStore(store),
		keypool.WithLogFn(a.log))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create key pool: %w", err)
	}
	a.pool = pool
	return a, nil
}

// openHistory opens the history database next to the configuration.
func (a *app) openHistory() error {
	h, err := openHistoryAt(a.cfg.HistoryPath)
	if err != nil {
		return err
	}
	a.history = h
	return nil
}

// log is the func(level, msg) callback handed to every component.
func (a *app) log(level, msg string) {
	if a.quiet {
		debugf(false, "%s: %s", level, msg)
		return
	}
	Debug("%s: %s", level, msg)
	if level != "debug" {
		a.status.Log(level, msg)
	}
}

// Close releases every resource the app opened.
func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

// openStateStore returns the keystate backend selected by cfg.
func openStateStore(cfg *config.Config, client *redisclient.Client) (keystate.Store, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		return keystate.NewMemoryStore(), nil
	case config.BackendFile:
		if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		return keystate.NewFileStore(cfg.State.Path), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		return keystate.OpenSQLiteStore(cfg.State.Path)
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("state backend redis requires a redis connection")
		}
		return keystate.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}
