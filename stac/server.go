package stac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeGeoJSON = "application/geo+json"

	maxRequestBodyBytes = 16 << 20
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// UpstreamURL is the root of the STAC API being decorated.
	UpstreamURL string
	// RenderURL is the root of the rendering endpoints. A relative value is
	// resolved against the public base URL of each request.
	RenderURL string
	// CORS is the Access-Control-Allow-Origin value, if any.
	CORS string

	LandingPageID string
	Title         string
	Description   string

	Breaker BreakerConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RenderURL:     "/data",
		LandingPageID: "place",
		Title:         "PLACE STAC API",
		Description:   "Spatiotemporal Asset Catalog managed by PLACE",
		Breaker:       DefaultBreakerConfig(),
	}
}

// Server forwards requests to an upstream STAC API and injects render
// links into the Collections, Items and ItemCollections it returns.
type Server struct {
	config   ServerConfig
	registry *Registry
	upstream *Upstream
	logger   *zap.Logger
	metrics  *metrics
}

func NewServer(config ServerConfig, registry *Registry, client HTTPClient, logger *zap.Logger) (*Server, error) {
	if config.UpstreamURL == "" {
		return nil, errors.New("no upstream STAC API URL")
	}
	if !strings.HasPrefix(config.UpstreamURL, "http://") && !strings.HasPrefix(config.UpstreamURL, "https://") {
		return nil, fmt.Errorf("upstream URL must be http(s): %s", config.UpstreamURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := createMetrics("", logger)
	registry.metrics = m

	return &Server{
		config:   config,
		registry: registry,
		upstream: NewUpstream(config.UpstreamURL, client, config.Breaker, logger, m),
		logger:   logger,
		metrics:  m,
	}, nil
}

var collectionPattern = regexp.MustCompile(`^/collections/([^/]+)$`)
var itemPattern = regexp.MustCompile(`^/collections/([^/]+)/items/([^/]+)$`)
var itemsPattern = regexp.MustCompile(`^/collections/([^/]+)/items$`)

func parseCollectionPath(path string) (bool, string) {
	if res := collectionPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

func parseItemPath(path string) (bool, string, string) {
	if res := itemPattern.FindStringSubmatch(path); res != nil {
		return true, res[1], res[2]
	}
	return false, "", ""
}

func parseItemsPath(path string) (bool, string) {
	if res := itemsPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

// Handle serves a single request and returns the status code, response
// headers and body.
func (server *Server) Handle(ctx context.Context, r *http.Request) (int, map[string]string, []byte) {
	httpHeaders := make(map[string]string)
	if len(server.config.CORS) > 0 {
		httpHeaders["Access-Control-Allow-Origin"] = server.config.CORS
	}

	path := r.URL.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	tracker := server.metrics.startRequest()

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
		if err != nil {
			status, headers, b := errorResponse(httpHeaders, 400, "BadRequest", "failed to read request body")
			tracker.finish(ctx, "", "read", status, len(b))
			return status, headers, b
		}
		if len(body) > maxRequestBodyBytes {
			status, headers, b := errorResponse(httpHeaders, 413, "PayloadTooLarge", fmt.Sprintf("request body exceeds %d bytes", maxRequestBodyBytes))
			tracker.finish(ctx, "", "read", status, len(b))
			return status, headers, b
		}
	}

	req := UpstreamRequest{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		BaseURL:  RequestBaseURL(r),
	}

	handler, collection := "passthrough", ""
	var status int
	var respBody []byte
	switch {
	case path == "/_mgmt/ping" && r.Method == http.MethodGet:
		handler = "ping"
		httpHeaders["Content-Type"] = contentTypeJSON
		status, respBody = 200, []byte(`{"message":"PONG"}`)
	case path == "/" && r.Method == http.MethodGet:
		handler = "landing"
		status, httpHeaders, respBody = server.getLandingPage(ctx, httpHeaders, req)
	case r.Method == http.MethodGet && matchCollection(path, &collection):
		handler = "collection"
		status, httpHeaders, respBody = server.getCollection(ctx, httpHeaders, req, collection)
	case r.Method == http.MethodGet && matchItem(path, &collection):
		handler = "item"
		status, httpHeaders, respBody = server.getItem(ctx, httpHeaders, req)
	case r.Method == http.MethodGet && matchItems(path, &collection):
		handler = "items"
		status, httpHeaders, respBody = server.getItemCollection(ctx, httpHeaders, req, handler)
	case path == "/search" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		handler = "search"
		status, httpHeaders, respBody = server.getItemCollection(ctx, httpHeaders, req, handler)
	default:
		status, httpHeaders, respBody = server.passthrough(ctx, httpHeaders, req, handler)
	}

	if status == 200 && handler != "passthrough" && handler != "ping" {
		etag := generateEtag(respBody)
		httpHeaders["ETag"] = etag
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			status, respBody = 304, nil
		}
	}

	tracker.finish(ctx, collection, handler, status, len(respBody))
	return status, httpHeaders, respBody
}

// etagMatches reports whether an If-None-Match list names etag, comparing
// weakly.
func etagMatches(ifNoneMatch string, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

func matchCollection(path string, collection *string) bool {
	ok, c := parseCollectionPath(path)
	*collection = c
	return ok
}

func matchItem(path string, collection *string) bool {
	ok, c, _ := parseItemPath(path)
	*collection = c
	return ok
}

func matchItems(path string, collection *string) bool {
	ok, c := parseItemsPath(path)
	*collection = c
	return ok
}

// ServeHTTP implements http.Handler on top of Handle.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	statusCode, headers, body := server.Handle(r.Context(), r)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	if len(body) > 0 && r.Method != http.MethodHead {
		w.Write(body)
	}
	server.logger.Info("served",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", statusCode),
		zap.String("size", humanize.Bytes(uint64(len(body)))),
		zap.Duration("duration", time.Since(start)))
}

func (server *Server) renderURL(req UpstreamRequest) string {
	return ResolveRenderURL(server.config.RenderURL, req.BaseURL)
}

func (server *Server) forward(ctx context.Context, httpHeaders map[string]string, req UpstreamRequest, handler string) (*UpstreamResponse, int, map[string]string, []byte) {
	resp, err := server.upstream.Do(ctx, handler, req)
	if errors.Is(err, ErrUpstreamUnavailable) {
		status, headers, b := errorResponse(httpHeaders, 503, "ServiceUnavailable", "upstream STAC API is unavailable")
		return nil, status, headers, b
	}
	if err != nil {
		server.logger.Error("upstream request failed", zap.String("path", req.Path), zap.Error(err))
		status, headers, b := errorResponse(httpHeaders, 502, "BadGateway", "upstream STAC API request failed")
		return nil, status, headers, b
	}
	return resp, 0, httpHeaders, nil
}

func (server *Server) passthrough(ctx context.Context, httpHeaders map[string]string, req UpstreamRequest, handler string) (int, map[string]string, []byte) {
	resp, status, httpHeaders, b := server.forward(ctx, httpHeaders, req, handler)
	if resp == nil {
		return status, httpHeaders, b
	}
	return upstreamResult(httpHeaders, resp)
}

func upstreamResult(httpHeaders map[string]string, resp *UpstreamResponse) (int, map[string]string, []byte) {
	for k, v := range resp.Header {
		if _, set := httpHeaders[k]; !set && len(v) > 0 {
			httpHeaders[k] = v[0]
		}
	}
	return resp.StatusCode, httpHeaders, resp.Body
}

func decodeDocument(b []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

func encodeDocument(httpHeaders map[string]string, contentType string, doc map[string]any) (int, map[string]string, []byte) {
	b, err := json.Marshal(doc)
	if err != nil {
		return errorResponse(httpHeaders, 500, "InternalServerError", "failed to encode response")
	}
	httpHeaders["Content-Type"] = contentType
	return 200, httpHeaders, b
}

func errorResponse(httpHeaders map[string]string, status int, code string, description string) (int, map[string]string, []byte) {
	b, _ := json.Marshal(map[string]string{"code": code, "description": description})
	httpHeaders["Content-Type"] = contentTypeJSON
	return status, httpHeaders, b
}

func (server *Server) getLandingPage(ctx context.Context, httpHeaders map[string]string, req UpstreamRequest) (int, map[string]string, []byte) {
	resp, status, httpHeaders, b := server.forward(ctx, httpHeaders, req, "landing")
	if resp == nil {
		return status, httpHeaders, b
	}
	doc, ok := decodeDocument(resp.Body)
	if resp.StatusCode != 200 || !ok {
		return upstreamResult(httpHeaders, resp)
	}
	doc["id"] = server.config.LandingPageID
	doc["title"] = server.config.Title
	doc["description"] = server.config.Description
	return encodeDocument(httpHeaders, contentTypeJSON, doc)
}

func (server *Server) getCollection(ctx context.Context, httpHeaders map[string]string, req UpstreamRequest, collectionID string) (int, map[string]string, []byte) {
	resp, status, httpHeaders, b := server.forward(ctx, httpHeaders, req, "collection")
	if resp == nil {
		return status, httpHeaders, b
	}
	if resp.StatusCode == 404 {
		return errorResponse(httpHeaders, 404, "NotFoundError", fmt.Sprintf("No collection with id '%s' found!", collectionID))
	}
	doc, ok := decodeDocument(resp.Body)
	if resp.StatusCode != 200 || !ok {
		return upstreamResult(httpHeaders, resp)
	}
	server.injectCollectionLinks(doc, server.renderURL(req))
	return encodeDocument(httpHeaders, contentTypeJSON, doc)
}

func (server *Server) getItem(ctx context.Context, httpHeaders map[string]string, req UpstreamRequest) (int, map[string]string, []byte) {
	resp, status, httpHeaders, b := server.forward(ctx, httpHeaders, req, "item")
	if resp == nil {
		return status, httpHeaders, b
	}
	doc, ok := decodeDocument(resp.Body)
	if resp.StatusCode != 200 || !ok {
		return upstreamResult(httpHeaders, resp)
	}
	server.injectItemLinks(doc, server.renderURL(req))
	return encodeDocument(httpHeaders, contentTypeGeoJSON, doc)
}

func (server *Server) getItemCollection(ctx context.Context, httpHeaders map[string]string, req UpstreamRequest, handler string) (int, map[string]string, []byte) {
	resp, status, httpHeaders, b := server.forward(ctx, httpHeaders, req, handler)
	if resp == nil {
		return status, httpHeaders, b
	}
	doc, ok := decodeDocument(resp.Body)
	if resp.StatusCode != 200 || !ok {
		return upstreamResult(httpHeaders, resp)
	}
	renderURL := server.renderURL(req)
	features, _ := doc["features"].([]any)
	for _, f := range features {
		if item, ok := f.(map[string]any); ok {
			server.injectItemLinks(item, renderURL)
		}
	}
	return encodeDocument(httpHeaders, contentTypeGeoJSON, doc)
}

func (server *Server) injectCollectionLinks(collection map[string]any, renderURL string) {
	collectionID, _ := collection["id"].(string)
	cfg, ok := server.registry.Get(collectionID)
	if !ok {
		server.metrics.unconfigured("collection")
		return
	}
	n := NewLinkInjector(collectionID, cfg, renderURL).InjectCollection(collection)
	server.metrics.injected(collectionID, "collection", n)
}

// injectItemLinks leaves items without a collection untouched.
func (server *Server) injectItemLinks(item map[string]any, renderURL string) {
	collectionID, _ := item["collection"].(string)
	if collectionID == "" {
		return
	}
	cfg, ok := server.registry.Get(collectionID)
	if !ok {
		server.metrics.unconfigured("item")
		return
	}
	n := NewLinkInjector(collectionID, cfg, renderURL).InjectItem(item)
	server.metrics.injected(collectionID, "item", n)
}
