// Package env holds the comparison policy for environment blocks.
//
// A block is an ordered list of "key=value" entries as consumed by execve.
// Whether keys compare case-sensitively is a property of the platform, so
// every lookup goes through a Policy instead of comparing strings directly.
package env

import (
	"runtime"
	"strings"
)

// Policy decides how environment keys compare.
type Policy struct {
	FoldCase bool
}

// Default is the policy of the running platform. POSIX keys are case-sensitive.
var Default = Policy{FoldCase: runtime.GOOS == "windows"}

// Equal compares two keys.
func (p Policy) Equal(a, b string) bool {
	if p.FoldCase {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Split separates an entry into key and value. Entries without '=' have an
// empty value.
func Split(entry string) (key, value string) {
	// A leading '=' belongs to the key (e.g. "=C:" style entries).
	if i := strings.IndexByte(entry[min(1, len(entry)):], '='); i >= 0 {
		i += min(1, len(entry))
		return entry[:i], entry[i+1:]
	}
	return entry, ""
}

// Get returns the value of the last entry whose key matches.
func (p Policy) Get(block []string, key string) (string, bool) {
	for i := len(block) - 1; i >= 0; i-- {
		k, v := Split(block[i])
		if p.Equal(k, key) {
			return v, true
		}
	}
	return "", false
}

// Set returns a block in which key maps to value. Earlier duplicates of key
// are dropped, and the new entry takes the position of the first match.
func (p Policy) Set(block []string, key, value string) []string {
	entry := key + "=" + value
	out := make([]string, 0, len(block)+1)
	replaced := false
	for _, e := range block {
		k, _ := Split(e)
		if !p.Equal(k, key) {
			out = append(out, e)
			continue
		}
		if !replaced {
			out = append(out, entry)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, entry)
	}
	return out
}

// Unset returns a block without any entry for key.
func (p Policy) Unset(block []string, key string) []string {
	out := make([]string, 0, len(block))
	for _, e := range block {
		k, _ := Split(e)
		if !p.Equal(k, key) {
			out = append(out, e)
		}
	}
	return out
}
