// Package credential derives stable identities for sets of secret key/value
// pairs so the runtime host can tell when its engine must be rebuilt.
package credential

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Well-known credential keys.
const (
	OpenAIAPIKey     = "openai.apiKey"
	OpenRouterAPIKey = "openrouter.apiKey"
	AnthropicAPIKey  = "anthropic.apiKey"
	OpenAIBaseURL    = "openai.baseUrl"
	DefaultModel     = "runtime.defaultModel"
	UserTier         = "runtime.userTier"
)

// Set maps secret key identifiers to values. It is order-insensitive.
type Set map[string]string

// Fingerprint is an opaque equality token over a credential Set.
type Fingerprint string

// Empty is the fingerprint of a nil or empty Set.
var Empty = FingerprintOf(nil)

// fingerprintDomainKey separates credential fingerprints from any other
// BLAKE3 keyed hash. The bytes are the ASCII domain name, zero padded.
var fingerprintDomainKey = [32]byte{
	'a', 'g', 'e', 'n', 'c', 'y', 'h', 'o', 's', 't', '.', 'c', 'r', 'e', 'd', 'e',
	'n', 't', 'i', 'a', 'l', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

type pair struct{ key, value string }

// normalized returns the (key, trimmed value) pairs of s sorted by key.
func (s Set) normalized() []pair {
	pairs := make([]pair, 0, len(s))
	for k, v := range s {
		pairs = append(pairs, pair{key: k, value: strings.TrimSpace(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	return pairs
}

// Get returns the trimmed value stored under key and whether it is non-empty.
func (s Set) Get(key string) (string, bool) {
	v := strings.TrimSpace(s[key])
	return v, v != ""
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a new set holding s overlaid with every non-empty value of
// other.
func (s Set) Merge(other Set) Set {
	out := s.Clone()
	if out == nil {
		out = Set{}
	}
	for k, v := range other {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

// Fingerprint returns the equality token for s.
func (s Set) Fingerprint() Fingerprint { return FingerprintOf(s) }

// FingerprintOf hashes the sorted (key, trimmed value) pairs of s. Keys and
// values are length-prefixed so no two distinct sets share an encoding.
func FingerprintOf(s Set) Fingerprint {
	h, err := blake3.NewKeyed(fingerprintDomainKey[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes long.
		panic(err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	write := func(str string) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(str)))
		_, _ = h.Write(lenBuf[:n])
		_, _ = h.Write([]byte(str))
	}
	for _, p := range s.normalized() {
		write(p.key)
		write(p.value)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Equivalent reports whether a and b hold identical (key, trimmed value)
// pairs.
func Equivalent(a, b Set) bool {
	pa, pb := a.normalized(), b.normalized()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}
