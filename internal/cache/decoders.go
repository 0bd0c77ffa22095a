package cache

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Decoder names accepted by DecoderByName
const (
	DecoderRaw    = "raw"
	DecoderString = "string"
	DecoderJSON   = "json"
	DecoderYAML   = "yaml"
)

// RawDecoder keeps a private copy of the bytes.
var RawDecoder types.Decoder = types.DecoderFunc(func(_ string, data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
})

// StringDecoder decodes the bytes as text.
var StringDecoder types.Decoder = types.DecoderFunc(func(_ string, data []byte) (any, error) {
	return string(data), nil
})

// JSONDecoder decodes a JSON document into generic maps, slices and scalars.
var JSONDecoder types.Decoder = types.DecoderFunc(func(key string, data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, conversionError(key, "json", err)
	}
	return out, nil
})

// YAMLDecoder decodes a YAML document.
var YAMLDecoder types.Decoder = types.DecoderFunc(func(key string, data []byte) (any, error) {
	var out any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, conversionError(key, "yaml", err)
	}
	return out, nil
})

// DecoderByName returns the decoder registered under name. An empty name
// selects the raw decoder.
func DecoderByName(name string) (types.Decoder, error) {
	switch strings.ToLower(name) {
	case DecoderRaw, "":
		return RawDecoder, nil
	case DecoderString:
		return StringDecoder, nil
	case DecoderJSON:
		return JSONDecoder, nil
	case DecoderYAML:
		return YAMLDecoder, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown decoder %q", name).
			WithComponent("cache")
	}
}

func conversionError(key, format string, cause error) error {
	return errors.Wrap(cause, errors.ErrCodeConversion, "cannot decode "+format).
		WithComponent("cache").
		WithContext("key", key)
}
