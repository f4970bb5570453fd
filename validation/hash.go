package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sort"
)

// CanonicalHash computes a stable SHA-256 fingerprint over arbitrary
// JSON content. Two JSON documents that are structurally equal — same
// keys and values, any key order, any whitespace — hash equal, per
// spec.md §8's round-trip law. Numbers are decoded via json.Number and
// hashed by their exact decimal value (not a lossy float64), and object
// keys are sorted recursively before hashing.
func CanonicalHash(data []byte) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	canon := canonicalize(v)
	encoded, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize rewrites a decoded JSON value into a form whose
// json.Marshal output is deterministic: maps become sorted key/value
// pair slices, numbers are normalized to their exact rational value.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]canonicalPair, 0, len(keys))
		for _, k := range keys {
			out = append(out, canonicalPair{Key: k, Value: canonicalize(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	case json.Number:
		return normalizeNumber(val)
	default:
		return val
	}
}

// canonicalPair preserves object-key ordering through json.Marshal,
// since map[string]any would re-randomize key order on encode in older
// Go versions and obscures intent even where stdlib now sorts keys.
type canonicalPair struct {
	Key   string
	Value any
}

// MarshalJSON renders the pair as a single-entry JSON object, so an
// object becomes an array of such objects in sorted key order.
func (p canonicalPair) MarshalJSON() ([]byte, error) {
	keyJSON, err := json.Marshal(p.Key)
	if err != nil {
		return nil, err
	}
	valJSON, err := json.Marshal(p.Value)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(keyJSON)+len(valJSON)+3)
	out = append(out, '{')
	out = append(out, keyJSON...)
	out = append(out, ':')
	out = append(out, valJSON...)
	out = append(out, '}')
	return out, nil
}

func normalizeNumber(n json.Number) string {
	// Parsing the decimal text as an exact rational keeps "1", "1.0" and
	// "1e0" from hashing differently while avoiding float64 round-off for
	// large integers; the result is re-emitted as a tagged string.
	if r, ok := new(big.Rat).SetString(n.String()); ok {
		return "#num:" + r.RatString()
	}
	return "#num:" + n.String()
}
