// Package misc collects small helpers shared by the connector packages: authorization state
// generation, authorization-response parsing, header merging and credential log output.
package misc

import (
	"net/http"
	"strings"
)

// EnsureHeader sets key on target from source, keeping an existing target value, and falls back
// to defaultValue. Blank values are ignored.
func EnsureHeader(target http.Header, source http.Header, key, defaultValue string) {
	if target == nil {
		return
	}
	if source != nil {
		if val := strings.TrimSpace(source.Get(key)); val != "" {
			target.Set(key, val)
			return
		}
	}
	if strings.TrimSpace(target.Get(key)) != "" {
		return
	}
	if val := strings.TrimSpace(defaultValue); val != "" {
		target.Set(key, val)
	}
}

// MergeHeaders copies every value of src into dst, replacing keys already present.
func MergeHeaders(dst, src http.Header) {
	if dst == nil {
		return
	}
	for key, values := range src {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
