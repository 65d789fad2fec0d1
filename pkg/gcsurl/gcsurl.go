// Package gcsurl parses gs:// URIs and prepares object names for the
// Cloud Storage JSON API.
package gcsurl

import (
	"strings"

	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// Scheme is the URI scheme handled by this package.
const Scheme = "gs"

const prefix = Scheme + "://"

// Parse splits a gs:// URI into bucket and object. The object may be empty
// for bucket-only URIs (gs://bucket and gs://bucket/ are equivalent).
func Parse(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", "", xerrors.Errorf(xerrors.KindInvalidArgument,
			"GCS path doesn't start with 'gs://': %s", uri)
	}
	rest := uri[len(prefix):]
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", xerrors.Errorf(xerrors.KindInvalidArgument,
			"GCS path doesn't contain a bucket name: %s", uri)
	}
	return bucket, object, nil
}

// ParseObject is Parse restricted to URIs that name an object.
func ParseObject(uri string) (bucket, object string, err error) {
	bucket, object, err = Parse(uri)
	if err != nil {
		return "", "", err
	}
	if object == "" {
		return "", "", xerrors.Errorf(xerrors.KindInvalidArgument,
			"GCS path doesn't contain an object name: %s", uri)
	}
	return bucket, object, nil
}

// Join reassembles a gs:// URI from bucket and object.
func Join(bucket, object string) string {
	if object == "" {
		return prefix + bucket
	}
	return prefix + bucket + "/" + object
}

// MaybeAppendSlash normalizes an object name for use as a list prefix:
// leading slashes are stripped and exactly one trailing slash is kept.
// The empty name stays empty (bucket root).
func MaybeAppendSlash(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	return strings.TrimRight(name, "/") + "/"
}

// upperhex as used by net/url.
const upperhex = "0123456789ABCDEF"

// EncodeObject percent-encodes an object name for embedding as a single
// path segment of a JSON API URL. Unlike url.PathEscape it also encodes
// "/" (as %2F) and every other reserved character.
func EncodeObject(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if unreservedByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

// unreservedByte reports whether c may appear raw in a URL path segment
// per RFC 3986 unreserved characters.
func unreservedByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// Dirname returns everything up to, but not including, the final "/" of a
// path-like string. If the string has no "/", Dirname returns "".
func Dirname(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return ""
	}
	return p[:idx]
}
