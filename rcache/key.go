package rcache

import (
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeKey returns the canonical form of a resource key. Keys are compared only after
// normalization, so "café" written with a combining accent and with a precomposed character
// refer to the same resource.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	return norm.NFC.String(key)
}

// LocalPath returns the path of a purely local resource. Local resources are absolute paths
// and "file://" urls, they are never downloaded.
func LocalPath(key string) (path string, ok bool) {
	if strings.HasPrefix(key, "file://") {
		u, err := url.Parse(key)
		if err != nil || u.Path == "" {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	}
	if filepath.IsAbs(key) {
		return filepath.Clean(key), true
	}
	return "", false
}
