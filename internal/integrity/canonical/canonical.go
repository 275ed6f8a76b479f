// Package canonical produces the deterministic byte form of a record that is
// the sole input to record hashing.
//
// The encoding is compact JSON with keys sorted byte-wise, HTML escaping off,
// excluded metadata and null values dropped, money as fixed two-decimal strings
// and dates as ISO strings. It must never change for existing records: any
// change to the output invalidates every stored hash.
package canonical

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"clearbook/internal/records/models"
)

const (
	// Method names the encoding in reports and certificates.
	Method = "sorted-key-compact-json/v1"

	dateLayout  = "2006-01-02"
	moneyDigits = 2

	// maxExponent bounds exponent literals so expansion stays small.
	maxExponent = 400
)

// excluded fields carry storage metadata, not business content.
var excluded = map[string]struct{}{
	"record_hash":         {},
	"hash":                {},
	"created_at":          {},
	"updated_at":          {},
	"verified_at":         {},
	"verification_status": {},
	"canonical_form":      {},
	"canonical_data":      {},
}

// IsExcluded reports whether a field name is dropped before hashing.
func IsExcluded(name string) bool {
	_, ok := excluded[name]
	return ok
}

// Field is one entry of the ordered association list that gets encoded.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Fields filters, coerces and sorts a record's fields into the association list.
func Fields(recordType models.RecordType, fields models.Fields) ([]Field, error) {
	schema, _ := models.SchemaFor(recordType)

	names := make([]string, 0, len(fields))
	for name, v := range fields {
		if IsExcluded(name) || isNull(v) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Field, 0, len(names))
	for _, name := range names {
		kind, _ := schema.Kind(name)
		raw, err := encodeField(name, kind, fields[name])
		if err != nil {
			return nil, err
		}
		out = append(out, Field{Name: name, Value: raw})
	}
	return out, nil
}

// Canonicalize returns the canonical bytes of a record's fields.
func Canonicalize(recordType models.RecordType, fields models.Fields) ([]byte, error) {
	list, err := Fields(recordType, fields)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range list {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(encodeString(f.Name))
		buf.WriteByte(':')
		buf.Write(f.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Record canonicalizes a stored record.
func Record(r *models.Record) ([]byte, error) {
	return Canonicalize(r.Type, r.Fields)
}

func encodeField(name string, kind models.FieldKind, v any) (json.RawMessage, error) {
	switch kind {
	case models.KindMoney:
		s, err := formatMoney(name, v)
		if err != nil {
			return nil, err
		}
		return encodeString(s), nil
	case models.KindDate:
		switch t := v.(type) {
		case time.Time:
			return encodeString(t.Format(dateLayout)), nil
		case string:
			// Dates read back from JSON storage arrive as RFC 3339 strings.
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return encodeString(parsed.Format(dateLayout)), nil
			}
		}
	case models.KindTimestamp:
		if t, ok := v.(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return encodeString(parsed.UTC().Format(time.RFC3339Nano)), nil
			}
		}
	}
	return encodeValue(name, v)
}

// encodeValue encodes a value by its native kind.
func encodeValue(path string, v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case string:
		return encodeString(val), nil
	case bool:
		if val {
			return json.RawMessage("true"), nil
		}
		return json.RawMessage("false"), nil
	case time.Time:
		return encodeString(val.UTC().Format(time.RFC3339Nano)), nil
	case json.Number:
		return encodeNumber(path, val)
	case int:
		return json.RawMessage(strconv.FormatInt(int64(val), 10)), nil
	case int8:
		return json.RawMessage(strconv.FormatInt(int64(val), 10)), nil
	case int16:
		return json.RawMessage(strconv.FormatInt(int64(val), 10)), nil
	case int32:
		return json.RawMessage(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return json.RawMessage(strconv.FormatInt(val, 10)), nil
	case uint:
		return json.RawMessage(strconv.FormatUint(uint64(val), 10)), nil
	case uint8:
		return json.RawMessage(strconv.FormatUint(uint64(val), 10)), nil
	case uint16:
		return json.RawMessage(strconv.FormatUint(uint64(val), 10)), nil
	case uint32:
		return json.RawMessage(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return json.RawMessage(strconv.FormatUint(val, 10)), nil
	case float32:
		return encodeFloat(path, float64(val))
	case float64:
		return encodeFloat(path, val)
	case map[string]any:
		return encodeMap(path, val)
	case models.Fields:
		return encodeMap(path, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return encodeMap(path, m)
	case []any:
		return encodeList(path, val)
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return encodeList(path, items)
	default:
		return nil, unsupported(path, v)
	}
}

func encodeMap(path string, m map[string]any) (json.RawMessage, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		raw, err := encodeValue(path+"."+k, m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(encodeString(k))
		buf.WriteByte(':')
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeList(path string, items []any) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		raw, err := encodeValue(path+"["+strconv.Itoa(i)+"]", item)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func encodeFloat(path string, f float64) (json.RawMessage, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &Error{Field: path, Kind: "float64", Reason: "non-finite number"}
	}
	return encodeDecimal(path, "float64", strconv.FormatFloat(f, 'f', -1, 64))
}

// encodeNumber normalizes a literal to its exact plain decimal form, so 1e15,
// 1000000000000000 and 1000000000000000.0 encode identically.
func encodeNumber(path string, n json.Number) (json.RawMessage, error) {
	return encodeDecimal(path, "json.Number", string(n))
}

// encodeDecimal writes lit without exponent or trailing zeros. Integers keep
// every digit.
func encodeDecimal(path, kind, lit string) (json.RawMessage, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" || !(lit[0] == '-' || (lit[0] >= '0' && lit[0] <= '9')) || !json.Valid([]byte(lit)) {
		return nil, &Error{Field: path, Kind: kind, Reason: "invalid number literal"}
	}
	if i := strings.IndexAny(lit, "eE"); i >= 0 {
		exp, err := strconv.Atoi(lit[i+1:])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return nil, &Error{Field: path, Kind: kind, Reason: "number out of range"}
		}
	}
	r, ok := new(big.Rat).SetString(lit)
	if !ok {
		return nil, &Error{Field: path, Kind: kind, Reason: "invalid number literal"}
	}
	if r.IsInt() {
		return json.RawMessage(r.Num().String()), nil
	}
	return json.RawMessage(r.FloatString(decimalPlaces(r.Denom()))), nil
}

// decimalPlaces returns the digits needed to write 1/d exactly. d comes from a
// decimal literal, so its only prime factors are 2 and 5.
func decimalPlaces(d *big.Int) int {
	twos := int(d.TrailingZeroBits())
	rest := new(big.Int).Rsh(d, uint(twos))
	five := big.NewInt(5)
	fives := 0
	mod := new(big.Int)
	for rest.Cmp(big.NewInt(1)) > 0 {
		q, m := new(big.Int).QuoRem(rest, five, mod)
		if m.Sign() != 0 {
			break
		}
		rest = q
		fives++
	}
	return max(twos, fives)
}

// encodeString writes a JSON string without HTML escaping.
func encodeString(s string) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// formatMoney renders a monetary amount with exactly two decimals using exact
// rational arithmetic, rounding half away from zero.
func formatMoney(field string, v any) (string, error) {
	r := new(big.Rat)
	switch val := v.(type) {
	case string:
		if _, ok := r.SetString(strings.TrimSpace(val)); !ok {
			return "", &Error{Field: field, Kind: "string", Reason: "invalid monetary amount"}
		}
	case json.Number:
		if _, ok := r.SetString(string(val)); !ok {
			return "", &Error{Field: field, Kind: "json.Number", Reason: "invalid monetary amount"}
		}
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", &Error{Field: field, Kind: "float64", Reason: "non-finite monetary amount"}
		}
		// Shortest decimal form first so 0.1 is read as 1/10, not its binary expansion.
		r.SetString(strconv.FormatFloat(val, 'f', -1, 64))
	case float32:
		r.SetString(strconv.FormatFloat(float64(val), 'f', -1, 32))
	case int:
		r.SetInt64(int64(val))
	case int32:
		r.SetInt64(int64(val))
	case int64:
		r.SetInt64(val)
	case uint64:
		r.SetFrac(new(big.Int).SetUint64(val), big.NewInt(1))
	default:
		return "", unsupported(field, v)
	}
	return roundHalfAway(r, moneyDigits), nil
}

func roundHalfAway(r *big.Rat, digits int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))

	num := new(big.Int).Abs(scaled.Num())
	den := scaled.Denom()
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(rem, big.NewInt(2)).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if scaled.Sign() < 0 && q.Sign() != 0 {
		q.Neg(q)
	}
	return new(big.Rat).SetFrac(q, scale).FloatString(digits)
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
