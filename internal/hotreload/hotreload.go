// Package hotreload reloads the transform catalog without a restart.
package hotreload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feedwright/feedwright/internal/config"
	"github.com/feedwright/feedwright/internal/transform"
	"github.com/feedwright/feedwright/pkg/logger"
)

// CatalogUpdate is a reload message published on the reload channel.
type CatalogUpdate struct {
	// Action is "reload" to reload catalog files from disk or "set" to
	// load catalog data stored under the Redis catalog key.
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Manager subscribes to catalog reload messages and swaps the pipeline's
// catalog when one arrives.
type Manager struct {
	cfg      *config.Config
	redis    *redis.Client
	pipeline *transform.Pipeline
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.RWMutex

	// Stats
	reloadsReceived int64
	reloadsApplied  int64
	reloadErrors    int64
}

// NewManager creates a hot reload manager.
func NewManager(cfg *config.Config, pipeline *transform.Pipeline, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &Manager{
		cfg:      cfg,
		redis:    rdb,
		pipeline: pipeline,
		logger:   logger.With("component", "hot-reload"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for reload messages.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	if err := m.redis.Ping(ctx).Err(); err != nil {
		m.logger.Warn("Redis not available, hot reload disabled", "error", err)
		return nil
	}

	m.wg.Add(1)
	go m.subscribeLoop()

	m.logger.Info("hot reload manager started", "channel", m.cfg.ReloadChannel)
	return nil
}

// Stop shuts the manager down and waits for the subscriber to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.redis.Close()
	m.logger.Info("hot reload manager stopped")
}

// Stats returns hot reload statistics.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"reloads_received": m.reloadsReceived,
		"reloads_applied":  m.reloadsApplied,
		"reload_errors":    m.reloadErrors,
		"started":          m.started,
	}
}

// PublishReload asks every running instance to reload the catalog.
func (m *Manager) PublishReload(update *CatalogUpdate) error {
	update.Timestamp = time.Now().UnixMilli()

	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	return m.redis.Publish(m.ctx, m.cfg.ReloadChannel, data).Err()
}

// StoreCatalog writes catalog data under the Redis catalog key and
// publishes a "set" update so instances pick it up.
func (m *Manager) StoreCatalog(ctx context.Context, data []byte) error {
	// validate before anything sees it
	if _, err := transform.ParseCatalog(data); err != nil {
		return err
	}
	if err := m.redis.Set(ctx, m.cfg.CatalogKey, data, 0).Err(); err != nil {
		return err
	}
	m.logger.Info("catalog stored",
		"key", m.cfg.CatalogKey,
		"request_id", logger.RequestIDFromContext(ctx),
	)
	return m.PublishReload(&CatalogUpdate{Action: "set"})
}

func (m *Manager) subscribeLoop() {
	defer m.wg.Done()

	pubsub := m.redis.Subscribe(m.ctx, m.cfg.ReloadChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleMessage(msg)
		}
	}
}

func (m *Manager) handleMessage(msg *redis.Message) {
	m.mu.Lock()
	m.reloadsReceived++
	m.mu.Unlock()

	var update CatalogUpdate
	if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
		m.logger.Error("failed to unmarshal update", "error", err)
		m.recordError()
		return
	}

	m.logger.Info("received catalog update", "action", update.Action)

	var err error
	switch update.Action {
	case "reload":
		err = m.reloadFromDisk()
	case "set":
		err = m.reloadFromRedis()
	default:
		m.logger.Warn("unknown update action", "action", update.Action)
		return
	}

	if err != nil {
		m.logger.Error("failed to apply catalog update",
			"action", update.Action,
			"error", err,
		)
		m.recordError()
		return
	}

	m.mu.Lock()
	m.reloadsApplied++
	m.mu.Unlock()

	m.logger.Info("catalog update applied", "action", update.Action)
}

func (m *Manager) reloadFromDisk() error {
	if m.cfg.CatalogDir == "" {
		return fmt.Errorf("no catalog directory configured")
	}
	catalog, err := transform.LoadCatalogDir(m.cfg.CatalogDir)
	if err != nil {
		return err
	}
	m.pipeline.SetCatalog(catalog)
	m.logger.Info("catalog reloaded from disk",
		"dir", m.cfg.CatalogDir,
		"specs", len(catalog.Specs()),
	)
	return nil
}

func (m *Manager) reloadFromRedis() error {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	data, err := m.redis.Get(ctx, m.cfg.CatalogKey).Bytes()
	if err != nil {
		return fmt.Errorf("fetch catalog key %s: %w", m.cfg.CatalogKey, err)
	}
	catalog, err := transform.ParseCatalog(data)
	if err != nil {
		return err
	}
	m.pipeline.SetCatalog(catalog)
	m.logger.Info("catalog loaded from redis",
		"key", m.cfg.CatalogKey,
		"specs", len(catalog.Specs()),
	)
	return nil
}

func (m *Manager) recordError() {
	m.mu.Lock()
	m.reloadErrors++
	m.mu.Unlock()
}
