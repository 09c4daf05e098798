package stac

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	mediaTypeHTML = "text/html"
	mediaTypeJSON = "application/json"
	mediaTypePNG  = "image/png"
)

// Link is a STAC link object.
type Link struct {
	Rel   string
	Href  string
	Type  string
	Title string
}

func (l Link) toMap() map[string]any {
	m := map[string]any{"rel": l.Rel, "href": l.Href}
	if l.Type != "" {
		m["type"] = l.Type
	}
	if l.Title != "" {
		m["title"] = l.Title
	}
	return m
}

// LinkInjector adds preview and tile links for a single collection's
// render config to STAC Collections and Items.
type LinkInjector struct {
	CollectionID string
	Config       RenderConfig
	// RenderURL is the absolute root of the rendering (tiler) endpoints.
	RenderURL string
}

func NewLinkInjector(collectionID string, config RenderConfig, renderURL string) LinkInjector {
	return LinkInjector{
		CollectionID: collectionID,
		Config:       config,
		RenderURL:    strings.TrimSuffix(renderURL, "/"),
	}
}

func (li LinkInjector) zoomParams() string {
	return "&minzoom=" + strconv.Itoa(li.Config.MinZoom) + "&maxzoom=" + strconv.Itoa(li.Config.MaxZoom)
}

// CollectionLinks returns the links InjectCollection adds.
func (li LinkInjector) CollectionLinks() []Link {
	qs := li.Config.FullRenderQueryString(li.CollectionID, "")

	mapHref := li.RenderURL + "/collection/map?" + qs
	if cfg := li.Config; cfg.MosaicPreviewZoom != nil && len(cfg.MosaicPreviewCoords) == 2 {
		lat, lon := cfg.MosaicPreviewCoords[0], cfg.MosaicPreviewCoords[1]
		mapHref += "&zoom=" + strconv.Itoa(*cfg.MosaicPreviewZoom) +
			"&center=" + formatParam(lon) + "," + formatParam(lat)
	}

	return []Link{
		{Rel: "preview", Href: mapHref, Type: mediaTypeHTML, Title: "Map of collection"},
		{
			Rel:   "tilejson",
			Href:  li.RenderURL + "/collection/tilejson.json?" + qs + li.zoomParams(),
			Type:  mediaTypeJSON,
			Title: "Mosaic TileJSON with default rendering",
		},
	}
}

// ItemLinks returns the links InjectItem adds for the given item id.
func (li LinkInjector) ItemLinks(itemID string) []Link {
	qs := li.Config.FullRenderQueryString(li.CollectionID, itemID)
	return []Link{
		{Rel: "preview", Href: li.RenderURL + "/item/map?" + qs, Type: mediaTypeHTML, Title: "Map of item"},
		{
			Rel:   "tilejson",
			Href:  li.RenderURL + "/item/tilejson.json?" + qs + li.zoomParams(),
			Type:  mediaTypeJSON,
			Title: "TileJSON with default rendering",
		},
	}
}

// InjectCollection appends the preview links to a Collection and returns
// the number of links added.
func (li LinkInjector) InjectCollection(collection map[string]any) int {
	return appendLinks(collection, li.CollectionLinks())
}

// InjectItem appends the preview links and a rendered_preview asset to an
// Item and returns the number of links added.
func (li LinkInjector) InjectItem(item map[string]any) int {
	itemID, _ := item["id"].(string)
	added := appendLinks(item, li.ItemLinks(itemID))

	assets, ok := item["assets"].(map[string]any)
	if !ok {
		assets = make(map[string]any)
		item["assets"] = assets
	}
	assets["rendered_preview"] = map[string]any{
		"title": "Rendered preview",
		"rel":   "preview",
		"href":  li.RenderURL + "/item/preview.png?" + li.Config.FullRenderQueryString(li.CollectionID, itemID),
		"roles": []any{"overview"},
		"type":  mediaTypePNG,
	}
	return added
}

func appendLinks(obj map[string]any, links []Link) int {
	existing, _ := obj["links"].([]any)
	added := 0
	for _, l := range links {
		if hasLink(existing, l) {
			continue
		}
		existing = append(existing, l.toMap())
		added++
	}
	if existing == nil {
		existing = []any{}
	}
	obj["links"] = existing
	return added
}

func hasLink(links []any, l Link) bool {
	for _, raw := range links {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if m["rel"] == l.Rel && m["href"] == l.Href {
			return true
		}
	}
	return false
}

// RequestBaseURL returns the public root of a request, honoring the
// X-Forwarded-Proto, X-Forwarded-Host and X-Forwarded-Prefix headers.
func RequestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	prefix := strings.TrimSuffix(r.Header.Get("X-Forwarded-Prefix"), "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return scheme + "://" + host + prefix
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// ResolveRenderURL joins a relative render URL onto the request base URL.
// Absolute render URLs are returned unchanged.
func ResolveRenderURL(renderURL string, baseURL string) string {
	if strings.HasPrefix(renderURL, "http://") || strings.HasPrefix(renderURL, "https://") {
		return strings.TrimSuffix(renderURL, "/")
	}
	base := strings.TrimSuffix(baseURL, "/")
	if rel := strings.Trim(renderURL, "/"); rel != "" {
		return base + "/" + rel
	}
	return base
}
