package caddy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/placeproject/place-stac/stac"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("place_stac_proxy", parseCaddyfile)
}

// Middleware proxies an upstream STAC API and adds render links to its
// Collections and Items.
type Middleware struct {
	Upstream       string         `json:"upstream"`
	RenderURL      string         `json:"render_url"`
	Registry       string         `json:"registry"`
	ReloadInterval caddy.Duration `json:"reload_interval"`
	Title          string         `json:"title"`
	Cors           string         `json:"cors"`
	logger         *zap.Logger
	server         *stac.Server
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.place_stac_proxy",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	registry := stac.NewRegistry(stac.DefaultRenderConfigs())
	if m.Registry != "" {
		bucketURL, key, err := stac.NormalizeBucketKey("", m.Registry)
		if err != nil {
			return err
		}
		bucket, err := stac.OpenBucket(ctx, bucketURL)
		if err != nil {
			return err
		}
		registry, err = stac.OpenRegistry(ctx, bucket, key, m.logger)
		if err != nil {
			return err
		}
	}

	server, err := stac.NewServer(m.serverConfig(), registry, nil, m.logger)
	if err != nil {
		return err
	}
	m.server = server
	// caddy.Context is cancelled when the config is unloaded
	registry.Start(ctx, time.Duration(m.ReloadInterval))
	return nil
}

func (m *Middleware) serverConfig() stac.ServerConfig {
	config := stac.DefaultServerConfig()
	config.UpstreamURL = m.Upstream
	if m.RenderURL != "" {
		config.RenderURL = m.RenderURL
	}
	if m.Title != "" {
		config.Title = m.Title
	}
	config.CORS = m.Cors
	return config
}

func (m *Middleware) Validate() error {
	if m.Upstream == "" {
		return fmt.Errorf("no upstream")
	}
	return nil
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	statusCode, headers, body := m.server.Handle(r.Context(), r)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
	m.logger.Info("response", zap.Int("status", statusCode), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))

	return nil
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "upstream":
				if !d.Args(&m.Upstream) {
					return d.ArgErr()
				}
			case "render_url":
				if !d.Args(&m.RenderURL) {
					return d.ArgErr()
				}
			case "registry":
				if !d.Args(&m.Registry) {
					return d.ArgErr()
				}
			case "reload_interval":
				var interval string
				if !d.Args(&interval) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(interval)
				if err != nil {
					return d.Errf("invalid reload_interval: %v", err)
				}
				m.ReloadInterval = caddy.Duration(dur)
			case "title":
				if !d.Args(&m.Title) {
					return d.ArgErr()
				}
			case "cors":
				if !d.Args(&m.Cors) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective %q", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
