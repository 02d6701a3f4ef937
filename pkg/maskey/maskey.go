// Package maskey validates and maps the logical key syntax used by every
// storage call: a non-empty sequence of ":"-separated segments with no
// path-traversal or control characters. Validation is parse-don't-sanitize
// — a valid key is returned unchanged, an invalid one is rejected outright.
package maskey

import (
	"strings"

	"github.com/rakunlabs/masc/internal/mascerr"
)

const disallowedChars = "/\\*?\"'<>|"

// Validate checks key against the logical key syntax and returns a typed
// error describing the first violation found.
func Validate(key string) error {
	if key == "" {
		return mascerr.ErrInvalidKey(key, "empty key")
	}
	if strings.HasPrefix(key, ":") || strings.HasSuffix(key, ":") {
		return mascerr.ErrInvalidKey(key, "leading or trailing ':'")
	}
	if strings.Contains(key, "::") {
		return mascerr.ErrInvalidKey(key, "consecutive ':'")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return mascerr.ErrInvalidKey(key, "control character")
		}
		if strings.ContainsRune(disallowedChars, r) {
			return mascerr.ErrInvalidKey(key, "disallowed character")
		}
	}
	for _, seg := range strings.Split(key, ":") {
		if seg == "" {
			return mascerr.ErrInvalidKey(key, "empty segment")
		}
		if seg == "." || seg == ".." || strings.HasPrefix(seg, "..") {
			return mascerr.ErrInvalidKey(key, "path-traversal segment")
		}
	}
	return nil
}

// ValidatePrefix checks prefix against the same grammar as Validate, except
// that a single trailing ':' is allowed (e.g. "agents:", the conventional
// prefix the registry/task/broadcast/portal engines pass to GetAll/ListKeys
// to scan an entire entity namespace) and an entirely empty prefix matches
// everything. Used by the validating storage decorator for ListKeys, GetAll,
// Publish and Subscribe, which address a namespace or channel rather than
// one exact key.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(prefix, ":")
	if trimmed == "" {
		return nil
	}
	return Validate(trimmed)
}

// Segments splits a validated key into its ':'-separated parts.
func Segments(key string) []string {
	return strings.Split(key, ":")
}

// ToRelPath maps a logical key onto a filesystem-relative path by replacing
// every ':' separator with '/'. Callers must Validate key
// first; ToRelPath does not re-validate.
func ToRelPath(key string) string {
	return strings.Join(Segments(key), "/")
}

// ParentAndPrefix splits a key used as a list_keys argument into the
// directory that would contain matches and the filename prefix to match
// within that directory — name-prefix within the natural parent, the
// semantics the filesystem backend lists by.
func ParentAndPrefix(prefix string) (dir string, namePrefix string) {
	segs := Segments(prefix)
	if len(segs) == 0 {
		return "", ""
	}
	if len(segs) == 1 {
		return "", segs[0]
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1]
}
