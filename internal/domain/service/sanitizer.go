package service

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Sanitizer enforces the structural and content rules on raw webhook bodies
// before anything else looks at them: byte budget, allow-listed fields,
// bounded strings and numerics, and injection-pattern rejection.
type Sanitizer struct {
	MaxBytes     int
	MaxStringLen int
	MaxPrice     float64
	MaxQuantity  float64
}

// SanitizedPayload is the cleaned, allow-listed form of an inbound body.
// Raw holds the canonical re-marshaled JSON with unknown keys dropped.
type SanitizedPayload struct {
	Symbol             string
	Action             string
	Price              float64
	Quantity           float64
	TimestampRaw       string
	Token              string
	Direction          string
	EntryPrice         *float64
	EntryTimeRaw       string
	PnL                *float64
	QuantityMultiplier *float64
	MultipleAccounts   []json.RawMessage
	Raw                []byte
}

const (
	defaultMaxBytes     = 10 * 1024
	defaultMaxStringLen = 500
	defaultMaxPrice     = 1e9
	defaultMaxQuantity  = 1e6
	maxAccountEntries   = 100
)

// Field allow-list; unknown keys are dropped, not errored. The alias pairs
// (symbol|strategy, data|action, date|timestamp) fold to canonical names.
var allowedFields = map[string]string{
	"symbol":             "symbol",
	"strategy":           "symbol",
	"action":             "action",
	"data":               "action",
	"price":              "price",
	"timestamp":          "timestamp",
	"date":               "timestamp",
	"quantity":           "quantity",
	"token":              "token",
	"direction":          "direction",
	"entryPrice":         "entryPrice",
	"entryTime":          "entryTime",
	"pnl":                "pnl",
	"quantityMultiplier": "quantityMultiplier",
	"multiple_accounts":  "multiple_accounts",
}

// Keys that could poison downstream object merges regardless of value.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*/?\s*script`),
	regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`'|"|--|/\*|\*/|;`),
	regexp.MustCompile(`(?i)\b(drop|delete|insert|update|union)\b\s+\w`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		MaxBytes:     defaultMaxBytes,
		MaxStringLen: defaultMaxStringLen,
		MaxPrice:     defaultMaxPrice,
		MaxQuantity:  defaultMaxQuantity,
	}
}

// Sanitize validates and cleans a raw body. Any returned error means the
// request is rejected before a WAL write happens.
func (s *Sanitizer) Sanitize(raw []byte) (*SanitizedPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	if len(raw) > s.MaxBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", s.MaxBytes)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	out := &SanitizedPayload{Quantity: 1}
	clean := make(map[string]any, len(obj))

	for key, val := range obj {
		if _, bad := forbiddenKeys[strings.ToLower(key)]; bad {
			continue
		}
		canonical, ok := allowedFields[key]
		if !ok {
			continue // unknown fields are dropped, not errored
		}
		if _, dup := clean[canonical]; dup {
			continue // first alias wins
		}

		switch canonical {
		case "symbol", "action", "token", "direction", "entryTime":
			str, err := s.cleanString(key, val)
			if err != nil {
				return nil, err
			}
			clean[canonical] = str
		case "timestamp":
			// may arrive as string or unix number
			str, err := s.timestampString(key, val)
			if err != nil {
				return nil, err
			}
			clean[canonical] = str
		case "price", "quantity", "entryPrice", "pnl", "quantityMultiplier":
			num, err := s.cleanNumber(key, val)
			if err != nil {
				return nil, err
			}
			clean[canonical] = num
		case "multiple_accounts":
			entries, err := s.cleanAccounts(val)
			if err != nil {
				return nil, err
			}
			clean[canonical] = entries
		}
	}

	if err := s.populate(out, clean); err != nil {
		return nil, err
	}

	rawClean, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("re-marshal sanitized payload: %w", err)
	}
	out.Raw = rawClean
	return out, nil
}

func (s *Sanitizer) cleanString(key string, val any) (string, error) {
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	str = strings.ReplaceAll(str, "\x00", "")
	str = strings.TrimSpace(str)
	if len(str) > s.MaxStringLen {
		return "", fmt.Errorf("field %q exceeds %d characters", key, s.MaxStringLen)
	}
	for _, re := range injectionPatterns {
		if re.MatchString(str) {
			return "", fmt.Errorf("field %q contains a forbidden pattern", key)
		}
	}
	return str, nil
}

func (s *Sanitizer) timestampString(key string, val any) (string, error) {
	switch v := val.(type) {
	case string:
		return s.cleanString(key, v)
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %q must be a string or number", key)
	}
}

func (s *Sanitizer) cleanNumber(key string, val any) (float64, error) {
	num, ok := val.(json.Number)
	if !ok {
		// TradingView templates sometimes quote numerics
		if str, isStr := val.(string); isStr {
			num = json.Number(strings.TrimSpace(str))
		} else {
			return 0, fmt.Errorf("field %q must be numeric", key)
		}
	}
	f, err := num.Float64()
	if err != nil {
		return 0, fmt.Errorf("field %q is not a valid number", key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("field %q must be finite", key)
	}
	switch key {
	case "price", "entryPrice":
		if f <= 0 || f > s.MaxPrice {
			return 0, fmt.Errorf("field %q out of range", key)
		}
	case "quantity", "quantityMultiplier":
		if f <= 0 || f > s.MaxQuantity {
			return 0, fmt.Errorf("field %q out of range", key)
		}
	case "pnl":
		if math.Abs(f) > s.MaxPrice*s.MaxQuantity {
			return 0, fmt.Errorf("field %q out of range", key)
		}
	}
	return f, nil
}

func (s *Sanitizer) cleanAccounts(val any) ([]json.RawMessage, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("multiple_accounts must be an array")
	}
	if len(list) > maxAccountEntries {
		return nil, fmt.Errorf("multiple_accounts exceeds %d entries", maxAccountEntries)
	}
	entries := make([]json.RawMessage, 0, len(list))
	for _, e := range list {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("multiple_accounts entry: %w", err)
		}
		for _, re := range injectionPatterns[:3] {
			if re.Match(b) {
				return nil, fmt.Errorf("multiple_accounts entry contains a forbidden pattern")
			}
		}
		entries = append(entries, b)
	}
	return entries, nil
}

func (s *Sanitizer) populate(out *SanitizedPayload, clean map[string]any) error {
	if v, ok := clean["symbol"].(string); ok {
		out.Symbol = strings.ToUpper(v)
		clean["symbol"] = out.Symbol
	}
	if out.Symbol == "" {
		return fmt.Errorf("missing required field: symbol")
	}
	if v, ok := clean["action"].(string); ok {
		out.Action = strings.ToLower(v)
		clean["action"] = out.Action
	}
	if out.Action == "" {
		return fmt.Errorf("missing required field: action")
	}
	if v, ok := clean["price"].(float64); ok {
		out.Price = v
	} else {
		return fmt.Errorf("missing required field: price")
	}
	if v, ok := clean["timestamp"].(string); ok {
		out.TimestampRaw = v
	} else {
		return fmt.Errorf("missing required field: timestamp")
	}
	if v, ok := clean["quantity"].(float64); ok {
		out.Quantity = v
	}
	if v, ok := clean["token"].(string); ok {
		out.Token = v
	}
	if v, ok := clean["direction"].(string); ok {
		out.Direction = strings.ToLower(v)
		clean["direction"] = out.Direction
	}
	if v, ok := clean["entryPrice"].(float64); ok {
		out.EntryPrice = &v
	}
	if v, ok := clean["entryTime"].(string); ok {
		out.EntryTimeRaw = v
	}
	if v, ok := clean["pnl"].(float64); ok {
		out.PnL = &v
	}
	if v, ok := clean["quantityMultiplier"].(float64); ok {
		out.QuantityMultiplier = &v
		// applied here so everything downstream sees the effective quantity
		out.Quantity = math.Round(out.Quantity * v)
		if out.Quantity <= 0 {
			return fmt.Errorf("quantity rounds to zero after multiplier")
		}
	}
	clean["quantity"] = out.Quantity
	if v, ok := clean["multiple_accounts"].([]json.RawMessage); ok {
		out.MultipleAccounts = v
	}
	return nil
}
