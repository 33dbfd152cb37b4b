package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
)

var registerOnce sync.Once

// registerFilters adds the projectctl filters to pongo2's global registry.
// Filters already registered under the same name are left alone.
func registerFilters() {
	registerOnce.Do(func() {
		pongo2.SetAutoescape(false)
		if !pongo2.FilterExists("json_encode") {
			_ = pongo2.RegisterFilter("json_encode", filterJSONEncode)
		}
		if !pongo2.FilterExists("json_encode_pretty") {
			_ = pongo2.RegisterFilter("json_encode_pretty", filterJSONEncodePretty)
		}
	})
}

// JSONEncode serializes v as compact JSON
func JSONEncode(v any) (string, error) {
	return encodeJSON(v, "")
}

// JSONEncodePretty serializes v as JSON indented with two spaces
func JSONEncodePretty(v any) (string, error) {
	return encodeJSON(v, "  ")
}

func encodeJSON(v any, indent string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func filterJSONEncode(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	out, err := JSONEncode(in.Interface())
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:json_encode", OrigError: err}
	}
	return pongo2.AsSafeValue(out), nil
}

func filterJSONEncodePretty(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	out, err := JSONEncodePretty(in.Interface())
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:json_encode_pretty", OrigError: err}
	}
	return pongo2.AsSafeValue(out), nil
}
