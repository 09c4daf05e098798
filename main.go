package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/placeproject/place-stac/imagery"
	"github.com/placeproject/place-stac/stac"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Serve struct {
		Upstream         string        `arg:"" help:"Root URL of the upstream STAC API." env:"UPSTREAM_URL"`
		Port             int           `default:"8080" env:"PORT"`
		Cors             string        `help:"Comma separated allowed CORS origins." env:"CORS_ORIGINS"`
		RenderURL        string        `default:"/data" help:"Root of the render endpoints; relative paths are resolved against each request." env:"RENDER_URL"`
		Registry         string        `help:"Render config YAML: local path, http(s) URL or key in --bucket." env:"RENDER_CONFIG"`
		Bucket           string        `help:"Remote bucket holding the render config." env:"RENDER_CONFIG_BUCKET"`
		ReloadInterval   time.Duration `default:"0s" help:"Poll the render config for changes at this interval; 0 disables." env:"RENDER_CONFIG_RELOAD"`
		LandingID        string        `default:"place" help:"Landing page id."`
		Title            string        `default:"PLACE STAC API" help:"Landing page title."`
		Description      string        `default:"Spatiotemporal Asset Catalog managed by PLACE" help:"Landing page description."`
		BreakerThreshold uint32        `default:"5" help:"Consecutive upstream failures before the circuit opens."`
		BreakerTimeout   time.Duration `default:"30s" help:"How long the circuit stays open."`
		Datadog          bool          `help:"Trace requests with Datadog." env:"DD_TRACE_ENABLED"`
	} `cmd:"" help:"Run an HTTP proxy adding render links to an upstream STAC API."`

	RenderQs struct {
		Collection string `arg:""`
		Item       string `help:"Item id."`
		Raw        bool   `help:"Do not escape parameter values."`
		Registry   string `help:"Render config YAML: local path, http(s) URL or key in --bucket."`
		Bucket     string `help:"Remote bucket holding the render config."`
	} `cmd:"" name:"render-qs" help:"Print the render query string for a collection or item."`

	Footprint struct {
		Input   string `arg:"" help:"Orientation CSV." type:"existingfile"`
		Output  string `arg:"" help:"Output GeoJSON." type:"path"`
		Degrees bool   `help:"omega, phi and kappa are in degrees."`
		Quiet   bool   `help:"Suppress the progress bar."`
	} `cmd:"" help:"Compute rotated image footprints from an orientation CSV."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := kong.Parse(&cli)

	switch ctx.Command() {
	case "serve <upstream>":
		if err := serve(logger); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	case "render-qs <collection>":
		registry, err := loadRegistry(context.Background(), logger, cli.RenderQs.Bucket, cli.RenderQs.Registry)
		if err != nil {
			logger.Fatal("failed to load render configs", zap.Error(err))
		}
		cfg, ok := registry.Get(cli.RenderQs.Collection)
		if !ok {
			logger.Fatal("no render config for collection", zap.String("collection", cli.RenderQs.Collection), zap.Strings("known", registry.IDs()))
		}
		if cli.RenderQs.Raw {
			fmt.Println(cfg.FullRenderQueryStringRaw(cli.RenderQs.Collection, cli.RenderQs.Item))
		} else {
			fmt.Println(cfg.FullRenderQueryString(cli.RenderQs.Collection, cli.RenderQs.Item))
		}
	case "footprint <input> <output>":
		imagery.SetQuietMode(cli.Footprint.Quiet)
		if err := footprint(cli.Footprint.Input, cli.Footprint.Output, cli.Footprint.Degrees); err != nil {
			logger.Fatal("failed to compute footprints", zap.Error(err))
		}
	case "version":
		fmt.Printf("place-stac %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}

func loadRegistry(ctx context.Context, logger *zap.Logger, bucket string, location string) (*stac.Registry, error) {
	if location == "" {
		return stac.NewRegistry(stac.DefaultRenderConfigs()), nil
	}
	bucketURL, key, err := stac.NormalizeBucketKey(bucket, location)
	if err != nil {
		return nil, err
	}
	b, err := stac.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return stac.OpenRegistry(ctx, b, key, logger)
}

func serve(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stac.SetBuildInfo(version, commit, date)

	registry, err := loadRegistry(ctx, logger, cli.Serve.Bucket, cli.Serve.Registry)
	if err != nil {
		return fmt.Errorf("failed to load render configs: %w", err)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	if cli.Serve.Datadog {
		if err := tracer.Start(tracer.WithService("place-stac"), tracer.WithServiceVersion(version)); err != nil {
			return fmt.Errorf("failed to start tracer: %w", err)
		}
		defer tracer.Stop()
		client = httptrace.WrapClient(client)
	}

	config := stac.DefaultServerConfig()
	config.UpstreamURL = cli.Serve.Upstream
	config.RenderURL = cli.Serve.RenderURL
	config.LandingPageID = cli.Serve.LandingID
	config.Title = cli.Serve.Title
	config.Description = cli.Serve.Description
	config.Breaker.FailureThreshold = cli.Serve.BreakerThreshold
	config.Breaker.Timeout = cli.Serve.BreakerTimeout

	server, err := stac.NewServer(config, registry, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create new server: %w", err)
	}
	registry.Start(ctx, cli.Serve.ReloadInterval)

	var handler http.Handler = server
	if cli.Serve.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: strings.Split(cli.Serve.Cors, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"ETag"},
		}).Handler(handler)
	}
	if cli.Serve.Datadog {
		handler = httptrace.WrapHandler(handler, "place-stac", "stac")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cli.Serve.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("serving",
		zap.String("upstream", cli.Serve.Upstream),
		zap.Int("port", cli.Serve.Port),
		zap.String("cors", cli.Serve.Cors),
		zap.Strings("collections", registry.IDs()))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func footprint(input string, output string, degrees bool) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()

	footprints, err := imagery.ReadFootprints(in, imagery.ReadOptions{Degrees: degrees, Total: -1})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", input, err)
	}

	b, err := imagery.FeatureCollection(footprints).MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(output, b, 0o644)
}
