// Package params resolves generation parameters. A persisted base config is
// merged with transient overrides parsed once at startup from a query string;
// the merged result is recomputed per session and always has every field
// concrete before it reaches the engine.
package params

import (
	"net/url"
	"strconv"

	"github.com/avreli/modelhost/pkg/wire"
)

// Default is the built-in base config used when no persisted settings exist.
var Default = wire.GenConfig{
	Model:            "llama3.2",
	Temperature:      0.7,
	TopP:             1.0,
	MaxTokens:        2048,
	PresencePenalty:  0,
	FrequencyPenalty: 0,
}

// Overrides holds transient parameter overrides. Nil fields mean "keep the
// base value".
type Overrides struct {
	Model            *string
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
}

// Any reports whether at least one override is present. Used for diagnostics
// only; overrides are never an error.
func (o Overrides) Any() bool {
	return o.Model != nil || o.Temperature != nil || o.TopP != nil ||
		o.MaxTokens != nil || o.PresencePenalty != nil || o.FrequencyPenalty != nil
}

// Resolve merges overrides onto base. Pure: neither input is mutated, and the
// result has a concrete value in every field.
func Resolve(base wire.GenConfig, o Overrides) wire.GenConfig {
	out := base
	if o.Model != nil {
		out.Model = *o.Model
	}
	if o.Temperature != nil {
		out.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		out.TopP = *o.TopP
	}
	if o.MaxTokens != nil {
		out.MaxTokens = *o.MaxTokens
	}
	if o.PresencePenalty != nil {
		out.PresencePenalty = *o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		out.FrequencyPenalty = *o.FrequencyPenalty
	}
	return out
}

// ParseQuery extracts overrides from query parameters. Unknown keys are
// ignored; a present key with an unparsable value is treated as absent.
// Override input is untrusted and must never abort startup.
func ParseQuery(q url.Values) Overrides {
	var o Overrides

	if v := q.Get("model"); v != "" {
		o.Model = &v
	}
	o.Temperature = floatParam(q, "temperature")
	o.TopP = floatParam(q, "top_p")
	o.MaxTokens = intParam(q, "max_tokens")
	o.PresencePenalty = floatParam(q, "presence_penalty")
	o.FrequencyPenalty = floatParam(q, "frequency_penalty")

	return o
}

// ParseQueryString parses a raw query string ("temperature=0.2&model=x") and
// extracts overrides from it. A malformed query string yields no overrides.
func ParseQueryString(raw string) Overrides {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return Overrides{}
	}
	return ParseQuery(q)
}

func floatParam(q url.Values, key string) *float64 {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func intParam(q url.Values, key string) *int {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}
