package stac

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultMinZoom = 14
	DefaultMaxZoom = 30
)

// RenderConfig holds the parameters for the most convenient rendering of a
// collection's assets for preview. These are not the only renderings
// possible, just the ones meant for human consumption, e.g. an RGB band
// combination approximating normal vision.
type RenderConfig struct {
	ID                  string         `koanf:"id" validate:"required"`
	RenderParams        map[string]any `koanf:"render_params" validate:"required"`
	MinZoom             int            `koanf:"minzoom" validate:"gte=0,lte=30,ltefield=MaxZoom"`
	MaxZoom             int            `koanf:"maxzoom" validate:"gte=0,lte=30"`
	Assets              []string       `koanf:"assets" validate:"dive,required"`
	MosaicPreviewZoom   *int           `koanf:"mosaic_preview_zoom" validate:"omitempty,gte=0,lte=30"`
	MosaicPreviewCoords []float64      `koanf:"mosaic_preview_coords" validate:"omitempty,len=2"`
}

// NewRenderConfig returns a config with the default zoom range and the
// "cog" asset.
func NewRenderConfig(id string, renderParams map[string]any) RenderConfig {
	return RenderConfig{
		ID:           id,
		RenderParams: renderParams,
		MinZoom:      DefaultMinZoom,
		MaxZoom:      DefaultMaxZoom,
		Assets:       []string{"cog"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c RenderConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid render config %q: %w", c.ID, err)
	}
	return nil
}

// FullRenderQueryString returns the collection, item, asset and render
// parameters as an escaped query string.
func (c RenderConfig) FullRenderQueryString(collection string, item string) string {
	return c.fullQueryString(url.QueryEscape(collection), url.QueryEscape(item), c.AssetParams(), c.RenderParamsString())
}

// FullRenderQueryStringRaw is FullRenderQueryString without escaping.
func (c RenderConfig) FullRenderQueryStringRaw(collection string, item string) string {
	return c.fullQueryString(collection, item, c.AssetParamsRaw(), c.RenderParamsStringRaw())
}

func (c RenderConfig) fullQueryString(collection string, item string, assetPart string, renderPart string) string {
	var sb strings.Builder
	if collection != "" {
		sb.WriteString("collection=")
		sb.WriteString(collection)
	}
	if item != "" {
		sb.WriteString("&item=")
		sb.WriteString(item)
	}
	sb.WriteString(assetPart)
	sb.WriteString(renderPart)
	return sb.String()
}

// AssetParams lists the assets with one repeated "assets" key each:
//
//	nil            -> ""
//	[data1]        -> "&assets=data1"
//	[data1, data2] -> "&assets=data1&assets=data2"
//
// Asset names are query-escaped.
func (c RenderConfig) AssetParams() string {
	return c.assetParams(url.QueryEscape)
}

// AssetParamsRaw is AssetParams without escaping.
func (c RenderConfig) AssetParamsRaw() string {
	return c.assetParams(func(s string) string { return s })
}

func (c RenderConfig) assetParams(escape func(string) string) string {
	var sb strings.Builder
	for _, asset := range c.Assets {
		sb.WriteString("&assets=")
		sb.WriteString(escape(asset))
	}
	return sb.String()
}

func (c RenderConfig) RenderParamsString() string {
	return prefixed(paramString(c.RenderParams, url.QueryEscape))
}

func (c RenderConfig) RenderParamsStringRaw() string {
	return prefixed(paramString(c.RenderParams, func(s string) string { return s }))
}

func prefixed(s string) string {
	if s == "" {
		return ""
	}
	return "&" + s
}

// paramString joins params as k=v pairs in key order, repeating the key for
// list values.
func paramString(params map[string]any, escape func(string) string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := params[k].(type) {
		case []any:
			for _, e := range v {
				parts = append(parts, k+"="+escape(formatParam(e)))
			}
		case []string:
			for _, e := range v {
				parts = append(parts, k+"="+escape(e))
			}
		default:
			parts = append(parts, k+"="+escape(formatParam(v)))
		}
	}
	return strings.Join(parts, "&")
}

func formatParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
