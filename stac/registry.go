package stac

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// DefaultRenderConfigs returns the built-in collection render configs.
func DefaultRenderConfigs() map[string]RenderConfig {
	ivoryCoast := NewRenderConfig("IvoryCoast-Abidjian-Adjame", map[string]any{"asset_bidx": "cog|1,2,3"})
	return map[string]RenderConfig{
		ivoryCoast.ID: ivoryCoast,
	}
}

// Registry maps collection ids to render configs. A registry opened from a
// bucket can be reloaded when the underlying document changes.
type Registry struct {
	configs atomic.Pointer[map[string]RenderConfig]

	mu      sync.Mutex
	bucket  Bucket
	key     string
	etag    string
	logger  *zap.Logger
	metrics *metrics
}

// NewRegistry returns a static registry.
func NewRegistry(configs map[string]RenderConfig) *Registry {
	r := &Registry{logger: zap.NewNop()}
	r.configs.Store(&configs)
	return r
}

// OpenRegistry loads the registry document stored under key in bucket.
func OpenRegistry(ctx context.Context, bucket Bucket, key string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{bucket: bucket, key: key, logger: logger}
	if _, err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the render config for a collection.
func (r *Registry) Get(collectionID string) (RenderConfig, bool) {
	cfg, ok := (*r.configs.Load())[collectionID]
	return cfg, ok
}

// IDs returns the configured collection ids in sorted order.
func (r *Registry) IDs() []string {
	configs := *r.configs.Load()
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload fetches the registry document if it changed since the last load.
// The current configs are kept when the document is unchanged or invalid.
func (r *Registry) Reload(ctx context.Context) (bool, error) {
	if r.bucket == nil {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	body, etag, _, err := r.bucket.NewReaderEtag(ctx, r.key, r.etag)
	if isNotModified(err) {
		return false, nil
	}
	if err != nil {
		r.metrics.registryReload("error")
		return false, fmt.Errorf("failed to fetch render configs %s: %w", r.key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		r.metrics.registryReload("error")
		return false, fmt.Errorf("failed to read render configs %s: %w", r.key, err)
	}
	configs, err := ParseRenderConfigs(data)
	if err != nil {
		r.metrics.registryReload("invalid")
		return false, err
	}

	r.configs.Store(&configs)
	r.etag = etag
	r.metrics.registryReload("ok")
	r.logger.Info("loaded render configs", zap.String("key", r.key), zap.String("etag", etag), zap.Int("collections", len(configs)))
	return true, nil
}

// Start polls the registry document every interval until ctx is done.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if r.bucket == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Reload(ctx); err != nil {
					r.logger.Error("render config reload failed, keeping previous configs", zap.Error(err))
				}
			}
		}
	}()
}

// ParseRenderConfigs reads a YAML document of the form
//
//	collections:
//	  - id: my-collection
//	    render_params: {asset_bidx: "cog|1,2,3"}
//	    minzoom: 12
//
// applying defaults and validating every entry.
func ParseRenderConfigs(data []byte) (map[string]RenderConfig, error) {
	// collection ids may contain dots
	k := koanf.NewWithConf(koanf.Conf{Delim: "/"})
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse render configs: %w", err)
	}

	configs := make(map[string]RenderConfig)
	for i, entry := range k.Slices("collections") {
		var cfg RenderConfig
		if err := entry.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return nil, fmt.Errorf("render config %d: %w", i, err)
		}
		if !entry.Exists("minzoom") {
			cfg.MinZoom = DefaultMinZoom
		}
		if !entry.Exists("maxzoom") {
			cfg.MaxZoom = DefaultMaxZoom
		}
		if !entry.Exists("assets") {
			cfg.Assets = []string{"cog"}
		}
		if cfg.RenderParams == nil && entry.Exists("render_params") {
			cfg.RenderParams = map[string]any{}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := configs[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate render config for collection %q", cfg.ID)
		}
		configs[cfg.ID] = cfg
	}
	return configs, nil
}
