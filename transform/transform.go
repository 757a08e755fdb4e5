// Package transform converts values between the wire form of the pub/sub
// side and the native form of the variable side.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/inletworks/bridge/mapping"
	log "github.com/sirupsen/logrus"
)

// Func is a custom value transform applied before type conversion.
type Func func(interface{}) (interface{}, error)

// Identity returns its input unchanged.
func Identity(v interface{}) (interface{}, error) { return v, nil }

// Resolver resolves a symbolic transform name to its Func.
type Resolver func(name string) (Func, error)

// MapResolver resolves names against a fixed table.
func MapResolver(funcs map[string]Func) Resolver {
	return func(name string) (Func, error) {
		if fn, ok := funcs[name]; ok {
			return fn, nil
		}
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

const cacheSize = 1024

// Transformer applies per-mapping custom transforms and data type
// conversions. Resolutions are cached by mapping id.
type Transformer struct {
	resolve Resolver
	cache   *lru.Cache[string, Func]
}

// New builds a Transformer. A nil resolver resolves every name to Identity.
func New(resolver Resolver) (*Transformer, error) {
	if resolver == nil {
		resolver = func(string) (Func, error) { return Identity, nil }
	}
	var cache, err = lru.New[string, Func](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("building transform cache: %w", err)
	}
	return &Transformer{resolve: resolver, cache: cache}, nil
}

// Apply runs the custom transform of m, if any, and then converts the
// value for delivery to the side opposite from. A transform name which
// doesn't resolve passes values through unchanged, with one warning per
// mapping.
func (t *Transformer) Apply(m *mapping.Mapping, from mapping.Side, value interface{}) (interface{}, error) {
	if m.Transform != "" {
		var fn, ok = t.cache.Get(m.ID)
		if !ok {
			var err error
			if fn, err = t.resolve(m.Transform); err != nil {
				log.WithFields(log.Fields{
					"transform": m.Transform,
					"mapping":   m.ID,
					"err":       err,
				}).Warn("transform not resolved; passing values through")
				fn = Identity
			}
			t.cache.Add(m.ID, fn)
		}
		var err error
		if value, err = fn(value); err != nil {
			return nil, fmt.Errorf("applying transform %q of mapping %q: %w", m.Transform, m.ID, err)
		}
	}
	return t.Convert(value, from, mapping.DestinationOf(from), m.DataType)
}

// Reset drops cached transform resolutions, after a registry reload.
func (t *Transformer) Reset() { t.cache.Purge() }

// Convert converts value from one side's representation to the other's.
// The variable side holds natively typed values; the pub/sub and
// enterprise sides hold JSON wire forms, so conversions between those
// sides pass through unchanged.
func (t *Transformer) Convert(value interface{}, from, to mapping.Side, dataType mapping.DataType) (interface{}, error) {
	if from == to || (from != mapping.SideVariable && to != mapping.SideVariable) {
		return value, nil
	}
	switch dataType {
	case mapping.DataTypeBoolean:
		return coerceBool(value)
	case mapping.DataTypeInteger, mapping.DataTypeInt32:
		return coerceInt32(value, to)
	case mapping.DataTypeFloat:
		var f, err = coerceFloat(value)
		if err != nil {
			return nil, err
		}
		if to == mapping.SideVariable {
			return float32(f), nil
		}
		return f, nil
	case mapping.DataTypeDouble:
		return coerceFloat(value)
	case mapping.DataTypeString:
		return coerceString(value)
	case mapping.DataTypeDateTime:
		if to == mapping.SideVariable {
			return coerceTime(value)
		}
		var ts, err = coerceTime(value)
		if err != nil {
			return nil, err
		}
		return ts.UTC().Format(time.RFC3339), nil
	case mapping.DataTypeJSON:
		if to == mapping.SideVariable {
			var enc, err = json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encoding JSON payload: %w", err)
			}
			return string(enc), nil
		}
		if s, ok := value.(string); ok {
			var out interface{}
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("decoding JSON payload: %w", err)
			}
			return out, nil
		}
		return value, nil
	}
	return nil, fmt.Errorf("unknown data type %q", dataType)
}

func coerceBool(value interface{}) (bool, error) {
	switch x := value.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case float32:
		return x != 0, nil
	case int:
		return x != 0, nil
	case int32:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case string:
		var b, err = strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("cannot convert %q to Boolean", x)
		}
		return b, nil
	}
	return false, fmt.Errorf("cannot convert %T to Boolean", value)
}

func coerceInt32(value interface{}, to mapping.Side) (interface{}, error) {
	var n int64
	switch x := value.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case float32:
		n = int64(x)
	case float64:
		n = int64(x)
	case string:
		var err error
		if n, err = strconv.ParseInt(x, 10, 64); err != nil {
			return nil, fmt.Errorf("cannot convert %q to Int32", x)
		}
	default:
		return nil, fmt.Errorf("cannot convert %T to Int32", value)
	}

	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("value %d out of Int32 range", n)
	}
	if to == mapping.SideVariable {
		return int32(n), nil
	}
	return n, nil
}

func coerceFloat(value interface{}) (float64, error) {
	switch x := value.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case string:
		var f, err = strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to Double", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to Double", value)
}

func coerceString(value interface{}) (string, error) {
	switch x := value.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case map[string]interface{}, []interface{}:
		var enc, err = json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("encoding %T as String: %w", value, err)
		}
		return string(enc), nil
	case nil:
		return "", fmt.Errorf("cannot convert nil to String")
	}
	return fmt.Sprint(value), nil
}

// timeLayouts are accepted DateTime encodings, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func coerceTime(value interface{}) (time.Time, error) {
	switch x := value.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, x); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as DateTime", x)
	case float64:
		var sec, frac = math.Modf(x)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to DateTime", value)
}
