package adapter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Settings is the free-form adapter_config block of the configuration file.
// Values arrive from YAML or JSON, so numbers may be int or float64 and
// anything may be a string.
type Settings map[string]interface{}

func (s Settings) Has(name string) bool {
	v, ok := s[name]
	return ok && v != nil && v != ""
}

func (s Settings) String(name, def string) string {
	v, ok := s[name]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func (s Settings) Float(name string, def float64) float64 {
	switch v := s[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (s Settings) Int(name string, def int64) int64 {
	switch v := s[name].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func (s Settings) Bool(name string, def bool) bool {
	switch v := s[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (s Settings) Decimal(name string, def decimal.Decimal) decimal.Decimal {
	switch v := s[name].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case nil:
	default:
		if _, ok := s[name]; ok {
			return decimal.NewFromFloat(s.Float(name, 0))
		}
	}
	return def
}

// Duration reads a millisecond count
func (s Settings) Duration(name string, def time.Duration) time.Duration {
	if !s.Has(name) {
		return def
	}
	return time.Duration(s.Int(name, 0)) * time.Millisecond
}
