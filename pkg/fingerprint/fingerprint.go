// Package fingerprint computes stable, cross-process content hashes
// over the scalar/container documents that key the Cache Manager.
//
// Fingerprints must be identical across processes and across Go map
// iteration order for identical logical inputs: container keys are
// sorted, floats are rounded to a declared tolerance before encoding,
// and only booleans, strings, integers, and floats are permitted
// leaves (never a reference to host memory).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// DefaultTolerance is the rounding tolerance applied to floating point
// leaves when no workflow-level tolerance is declared.
const DefaultTolerance = 1e-6

// Of canonicalizes the given parts (in order) and a tolerance, then
// returns a hex-encoded SHA-256 fingerprint. Parts are joined with a
// 0x1f (unit separator) byte; string leaves are written raw, so the
// separator is not escaped if it occurs inside one.
func Of(tolerance float64, parts ...any) string {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f}) // unit separator
		}
		canonicalize(h, p, tolerance)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize writes a deterministic byte encoding of v to h.
func canonicalize(h interface{ Write([]byte) (int, error) }, v any, tolerance float64) {
	switch t := v.(type) {
	case nil:
		h.Write([]byte("n:"))
	case bool:
		if t {
			h.Write([]byte("b:1"))
		} else {
			h.Write([]byte("b:0"))
		}
	case string:
		h.Write([]byte("s:"))
		h.Write([]byte(t))
	case int:
		h.Write([]byte("i:" + strconv.Itoa(t)))
	case int64:
		h.Write([]byte("i:" + strconv.FormatInt(t, 10)))
	case float64:
		h.Write([]byte("f:" + roundedString(t, tolerance)))
	case []string:
		sorted := append([]string(nil), t...)
		sort.Strings(sorted)
		h.Write([]byte("ls["))
		for _, e := range sorted {
			canonicalize(h, e, tolerance)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	case []any:
		// Encode each element, sort by its own canonical string, so
		// order-independent slices (e.g. target lists) fingerprint
		// identically regardless of submission order.
		encoded := make([]string, len(t))
		for i, e := range t {
			sub := sha256.New()
			canonicalize(sub, e, tolerance)
			encoded[i] = hex.EncodeToString(sub.Sum(nil))
		}
		sort.Strings(encoded)
		h.Write([]byte("la["))
		for _, e := range encoded {
			h.Write([]byte(e))
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte("m{"))
		for _, k := range keys {
			h.Write([]byte("s:"))
			h.Write([]byte(k))
			h.Write([]byte{':'})
			canonicalize(h, t[k], tolerance)
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	default:
		// Fall back to a stable textual representation for any other
		// scalar-shaped Go value (e.g. a named string/float type).
		h.Write([]byte("x:"))
		h.Write([]byte(fmt.Sprintf("%v", t)))
	}
}

// roundedString formats f to the precision implied by tolerance, so
// that two floats within tolerance of each other encode identically.
func roundedString(f float64, tolerance float64) string {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	scale := 1 / tolerance
	rounded := math.Round(f*scale) / scale
	return strconv.FormatFloat(rounded, 'g', -1, 64)
}
