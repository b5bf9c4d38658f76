package serialization

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// JSONCodec is the default codec
type JSONCodec struct{}

func (JSONCodec) Name() string            { return "json" }
func (JSONCodec) ContentType() string     { return "application/json" }
func (JSONCodec) ContentEncoding() string { return "utf-8" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode yields maps, slices, strings, bools, nil and float64 numbers
func (JSONCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// YAMLCodec encodes with gopkg.in/yaml.v3
type YAMLCodec struct{}

func (YAMLCodec) Name() string            { return "yaml" }
func (YAMLCodec) ContentType() string     { return "application/x-yaml" }
func (YAMLCodec) ContentEncoding() string { return "utf-8" }

func (YAMLCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (YAMLCodec) Decode(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TextCodec carries plain strings
type TextCodec struct{}

func (TextCodec) Name() string            { return "text" }
func (TextCodec) ContentType() string     { return "text/plain" }
func (TextCodec) ContentEncoding() string { return "utf-8" }

func (TextCodec) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case fmt.Stringer:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("text codec cannot encode %T", v)
	}
}

func (TextCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}

// RawCodec passes bytes through untouched
type RawCodec struct{}

func (RawCodec) Name() string            { return "raw" }
func (RawCodec) ContentType() string     { return "application/octet-stream" }
func (RawCodec) ContentEncoding() string { return "binary" }

func (RawCodec) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("raw codec cannot encode %T", v)
	}
}

func (RawCodec) Decode(data []byte) (any, error) {
	return data, nil
}

// Unmarshal decodes a JSON or YAML body into a typed target
func Unmarshal(body []byte, contentType string, target any) error {
	switch normalize(contentType) {
	case "", "json", "application/json":
		return json.Unmarshal(body, target)
	case "yaml", "application/x-yaml", "application/yaml":
		return yaml.Unmarshal(body, target)
	default:
		return fmt.Errorf("%w: cannot unmarshal %q into %T", ErrUnknownCodec, contentType, target)
	}
}
