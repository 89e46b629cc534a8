// Package uri composes absolute DVID request URIs from a server address and
// relative API paths.
//
// A Builder is created once per server address. It normalizes the address into
// the URI root (scheme://host[:port][/base]/api) and joins relative paths onto
// it, collapsing duplicate separators and escaping each path segment.
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// APIPrefix is the path every DVID HTTP API lives under.
	APIPrefix = "/api"

	defaultScheme = "http"
)

// PathError reports a server address or relative path that cannot be turned
// into a well-formed request URI.
type PathError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid path %q: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// IsPathError reports whether err is, or wraps, a *PathError.
func IsPathError(err error) bool {
	var pathErr *PathError
	return errors.As(err, &pathErr)
}

// Builder joins relative API paths onto a normalized URI root.
// It holds no mutable state and is safe for concurrent use.
type Builder struct {
	root string
}

// NewBuilder normalizes address and returns a Builder rooted at it.
func NewBuilder(address string) (*Builder, error) {
	root, err := NormalizeRoot(address)
	if err != nil {
		return nil, err
	}
	return &Builder{root: root}, nil
}

// Root returns the normalized URI root.
func (b *Builder) Root() string {
	return b.root
}

// NormalizeRoot turns a host[:port] address, with or without a scheme, into the
// URI root. Normalizing an already normalized root returns it unchanged.
func NormalizeRoot(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", &PathError{Path: address, Reason: "server address cannot be empty"}
	}

	if !strings.Contains(addr, "://") {
		addr = defaultScheme + "://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", &PathError{Path: address, Reason: "malformed server address", Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &PathError{Path: address, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return "", &PathError{Path: address, Reason: "server address has no host"}
	}

	base := strings.TrimRight(collapseSlashes(u.Path), "/")
	base = strings.TrimSuffix(base, APIPrefix)

	return scheme + "://" + strings.ToLower(u.Host) + base + APIPrefix, nil
}

// Build joins path onto the root and appends query, if any. Paths that already
// start with the API prefix are accepted and the prefix is not repeated.
func (b *Builder) Build(path string, query url.Values) (string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(b.root)
	for _, segment := range segments {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(segment))
	}

	if len(query) > 0 {
		sb.WriteByte('?')
		sb.WriteString(query.Encode())
	}

	return sb.String(), nil
}

// splitPath validates a relative path and returns its non-empty segments.
func splitPath(path string) ([]string, error) {
	for _, r := range path {
		switch {
		case r < 0x20 || r == 0x7f:
			return nil, &PathError{Path: path, Reason: "path contains a control character"}
		case r == '?' || r == '#':
			return nil, &PathError{Path: path, Reason: "query and fragment must be passed separately"}
		}
	}

	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, segment := range raw {
		switch segment {
		case "":
			continue
		case ".", "..":
			return nil, &PathError{Path: path, Reason: "relative path segments are not allowed"}
		}
		segments = append(segments, segment)
	}

	if len(segments) > 0 && "/"+segments[0] == APIPrefix {
		segments = segments[1:]
	}

	if len(segments) == 0 {
		return nil, &PathError{Path: path, Reason: "path cannot be empty"}
	}

	return segments, nil
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}
