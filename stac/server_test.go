package stac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegex(t *testing.T) {
	ok, collection := parseCollectionPath("/collections/IvoryCoast-Abidjian-Adjame")
	assert.True(t, ok)
	assert.Equal(t, "IvoryCoast-Abidjian-Adjame", collection)
	ok, _ = parseCollectionPath("/collections/a/items")
	assert.False(t, ok)
	ok, _ = parseCollectionPath("/collections")
	assert.False(t, ok)

	ok, collection, item := parseItemPath("/collections/sentinel-2.l2a/items/S2A_20230101")
	assert.True(t, ok)
	assert.Equal(t, "sentinel-2.l2a", collection)
	assert.Equal(t, "S2A_20230101", item)
	ok, _, _ = parseItemPath("/collections/a/items")
	assert.False(t, ok)

	ok, collection = parseItemsPath("/collections/a/items")
	assert.True(t, ok)
	assert.Equal(t, "a", collection)
	ok, _ = parseItemsPath("/collections/a/items/b")
	assert.False(t, ok)
}

const upstreamItem = `{"type":"Feature","id":"img1","collection":"IvoryCoast-Abidjian-Adjame","links":[],"assets":{"cog":{"href":"s3://b/img1.tif"}}}`

func fakeUpstream(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/":
			w.Write([]byte(`{"type":"Catalog","id":"stac-fastapi","title":"stac-fastapi","description":"x","links":[]}`))
		case r.URL.Path == "/collections/IvoryCoast-Abidjian-Adjame":
			w.Write([]byte(`{"type":"Collection","id":"IvoryCoast-Abidjian-Adjame","links":[{"rel":"self","href":"http://` + r.Header.Get("X-Forwarded-Host") + `/collections/IvoryCoast-Abidjian-Adjame"}]}`))
		case r.URL.Path == "/collections/unconfigured":
			w.Write([]byte(`{"type":"Collection","id":"unconfigured","links":[]}`))
		case r.URL.Path == "/collections/IvoryCoast-Abidjian-Adjame/items/img1":
			w.Write([]byte(upstreamItem))
		case r.URL.Path == "/collections/IvoryCoast-Abidjian-Adjame/items" || r.URL.Path == "/search":
			w.Write([]byte(`{"type":"FeatureCollection","numberMatched":12345678901234567,"features":[` + upstreamItem +
				`,{"type":"Feature","id":"other1","collection":"other","links":[]},{"type":"Feature","id":"orphan","links":[]}],"links":[]}`))
		case r.URL.Path == "/conformance":
			w.Write([]byte(`{"conformsTo":["https://api.stacspec.org/v1.0.0/core"]}`))
		case r.URL.Path == "/broken":
			w.WriteHeader(500)
			w.Write([]byte(`{"code":"Internal"}`))
		default:
			w.WriteHeader(404)
			w.Write([]byte(`{"code":"NotFoundError","description":"not found"}`))
		}
	}))
}

func newTestServer(t *testing.T, upstreamURL string) *Server {
	config := DefaultServerConfig()
	config.UpstreamURL = upstreamURL
	config.CORS = "*"
	server, err := NewServer(config, NewRegistry(DefaultRenderConfigs()), nil, zap.NewNop())
	require.Nil(t, err)
	return server
}

func decode(t *testing.T, b []byte) map[string]any {
	var doc map[string]any
	require.Nil(t, json.Unmarshal(b, &doc))
	return doc
}

func linkHrefs(doc map[string]any) []string {
	var hrefs []string
	for _, l := range doc["links"].([]any) {
		hrefs = append(hrefs, l.(map[string]any)["href"].(string))
	}
	return hrefs
}

func TestNewServerRequiresUpstream(t *testing.T) {
	_, err := NewServer(DefaultServerConfig(), NewRegistry(DefaultRenderConfigs()), nil, nil)
	assert.NotNil(t, err)

	config := DefaultServerConfig()
	config.UpstreamURL = "ftp://example.com"
	_, err = NewServer(config, NewRegistry(DefaultRenderConfigs()), nil, nil)
	assert.NotNil(t, err)
}

func TestGetCollection(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame", nil)
	status, headers, body := server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, "*", headers["Access-Control-Allow-Origin"])
	assert.NotEmpty(t, headers["ETag"])

	doc := decode(t, body)
	hrefs := linkHrefs(doc)
	require.Equal(t, 3, len(hrefs))
	assert.Equal(t, "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame", hrefs[0])
	assert.Equal(t, "http://proxy.example.com/data/collection/map?collection=IvoryCoast-Abidjian-Adjame&assets=cog&asset_bidx=cog%7C1%2C2%2C3", hrefs[1])
	assert.True(t, strings.HasPrefix(hrefs[2], "http://proxy.example.com/data/collection/tilejson.json?"))

	// conditional requests
	for _, match := range []string{
		headers["ETag"],
		"W/" + headers["ETag"],
		`"stale", ` + headers["ETag"],
		"*",
	} {
		req = httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame", nil)
		req.Header.Set("If-None-Match", match)
		status, _, body = server.Handle(context.Background(), req)
		assert.Equal(t, 304, status, match)
		assert.Empty(t, body)
	}

	req = httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame", nil)
	req.Header.Set("If-None-Match", `"stale", W/"older"`)
	status, _, _ = server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"abc"`, `"abc"`))
	assert.True(t, etagMatches(`W/"abc"`, `"abc"`))
	assert.True(t, etagMatches(`"x" ,  W/"abc"`, `"abc"`))
	assert.True(t, etagMatches(`*`, `"abc"`))
	assert.False(t, etagMatches(``, `"abc"`))
	assert.False(t, etagMatches(`"abcd"`, `"abc"`))
}

func TestGetCollectionNotFound(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://proxy.example.com/collections/missing", nil)
	status, _, body := server.Handle(context.Background(), req)
	assert.Equal(t, 404, status)
	doc := decode(t, body)
	assert.Equal(t, "NotFoundError", doc["code"])
	assert.Equal(t, "No collection with id 'missing' found!", doc["description"])
}

func TestGetUnconfiguredCollection(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://proxy.example.com/collections/unconfigured", nil)
	status, _, body := server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	assert.Empty(t, decode(t, body)["links"])
}

func TestGetItem(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame/items/img1", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	status, headers, body := server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/geo+json", headers["Content-Type"])

	doc := decode(t, body)
	hrefs := linkHrefs(doc)
	require.Equal(t, 2, len(hrefs))
	assert.Equal(t, "https://proxy.example.com/data/item/map?collection=IvoryCoast-Abidjian-Adjame&item=img1&assets=cog&asset_bidx=cog%7C1%2C2%2C3", hrefs[0])
	assets := doc["assets"].(map[string]any)
	assert.Contains(t, assets, "cog")
	assert.Contains(t, assets, "rendered_preview")
}

func TestSearch(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "http://proxy.example.com/search?collections=IvoryCoast-Abidjian-Adjame", nil),
		httptest.NewRequest("POST", "http://proxy.example.com/search", strings.NewReader(`{"collections":["IvoryCoast-Abidjian-Adjame"]}`)),
		httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame/items", nil),
	} {
		status, headers, body := server.Handle(context.Background(), req)
		assert.Equal(t, 200, status)
		assert.Equal(t, "application/geo+json", headers["Content-Type"])
		assert.Contains(t, string(body), "12345678901234567")

		doc := decode(t, body)
		features := doc["features"].([]any)
		require.Equal(t, 3, len(features))
		assert.Equal(t, 2, len(features[0].(map[string]any)["links"].([]any)))
		// no render config for "other", no collection on the orphan
		assert.Empty(t, features[1].(map[string]any)["links"])
		assert.Empty(t, features[2].(map[string]any)["links"])
		assert.NotContains(t, features[2].(map[string]any), "assets")
	}
}

func TestLandingPage(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://proxy.example.com/", nil)
	status, _, body := server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	doc := decode(t, body)
	assert.Equal(t, "place", doc["id"])
	assert.Equal(t, "PLACE STAC API", doc["title"])
	assert.Equal(t, "Spatiotemporal Asset Catalog managed by PLACE", doc["description"])
	assert.Equal(t, "Catalog", doc["type"])
}

func TestPassthrough(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://proxy.example.com/conformance", nil)
	status, headers, body := server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	assert.Equal(t, `{"conformsTo":["https://api.stacspec.org/v1.0.0/core"]}`, string(body))
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Empty(t, headers["ETag"])

	req = httptest.NewRequest("GET", "http://proxy.example.com/broken", nil)
	status, _, body = server.Handle(context.Background(), req)
	assert.Equal(t, 500, status)
	assert.Equal(t, `{"code":"Internal"}`, string(body))
}

func TestPing(t *testing.T) {
	server := newTestServer(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "http://proxy.example.com/_mgmt/ping", nil)
	status, _, body := server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	assert.Equal(t, `{"message":"PONG"}`, string(body))
}

func TestUpstreamDown(t *testing.T) {
	server := newTestServer(t, "http://127.0.0.1:1")
	req := httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame", nil)
	status, _, body := server.Handle(context.Background(), req)
	assert.Equal(t, 502, status)
	assert.Equal(t, "BadGateway", decode(t, body)["code"])
}

func TestUpstreamBreakerOpen(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()

	config := DefaultServerConfig()
	config.UpstreamURL = upstream.URL
	config.Breaker = BreakerConfig{MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 1}
	server, err := NewServer(config, NewRegistry(DefaultRenderConfigs()), nil, zap.NewNop())
	require.Nil(t, err)

	status, _, _ := server.Handle(context.Background(), httptest.NewRequest("GET", "http://proxy.example.com/broken", nil))
	assert.Equal(t, 500, status)

	status, headers, body := server.Handle(context.Background(), httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame", nil))
	assert.Equal(t, 503, status)
	assert.Equal(t, "application/json", headers["Content-Type"])
	doc := decode(t, body)
	assert.Equal(t, "ServiceUnavailable", doc["code"])
	assert.Equal(t, "upstream STAC API is unavailable", doc["description"])
}

func TestSearchBodyTooLarge(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	body := strings.Repeat(" ", maxRequestBodyBytes) + "{}"
	req := httptest.NewRequest("POST", "http://proxy.example.com/search", strings.NewReader(body))
	status, _, b := server.Handle(context.Background(), req)
	assert.Equal(t, 413, status)
	assert.Equal(t, "PayloadTooLarge", decode(t, b)["code"])
	assert.Equal(t, int32(0), hits.Load())

	req = httptest.NewRequest("POST", "http://proxy.example.com/search", strings.NewReader(strings.Repeat(" ", maxRequestBodyBytes-2)+"{}"))
	status, _, _ = server.Handle(context.Background(), req)
	assert.Equal(t, 200, status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestServeHTTP(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	server := newTestServer(t, upstream.URL)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest("GET", "http://proxy.example.com/collections/IvoryCoast-Abidjian-Adjame/items/img1", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "rendered_preview")
}
