// Package naming maps (mount prefix, operation) pairs to flat function names
// and derives which mount a resource URI belongs to. It holds no state: every
// resolution takes the currently registered prefixes as an argument.
package naming

import "strings"

// Separator joins a mount prefix and an operation into a flat function name.
const Separator = "_"

// OriginUnknown is returned when no registered mount matches a URI, for
// example when a notification arrives before or after the mount existed.
// Callers must treat it explicitly, never map it to a concrete server.
const OriginUnknown = "unknown"

// Join builds the flat function name for an operation on a mount.
func Join(prefix, op string) string {
	return prefix + Separator + op
}

// Split resolves a flat function name against the registered prefix set.
// Operation names may themselves contain the separator, so resolution tries
// the mount table instead of parsing the string: the longest registered
// prefix p such that name begins with p + Separator wins.
func Split(name string, prefixes []string) (prefix, op string, ok bool) {
	best := -1
	for _, p := range prefixes {
		if p == "" || len(p) <= best {
			continue
		}
		if strings.HasPrefix(name, p+Separator) && len(name) > len(p)+len(Separator) {
			best = len(p)
			prefix = p
		}
	}
	if best < 0 {
		return "", "", false
	}
	return prefix, name[best+len(Separator):], true
}

// OriginServer returns the registered prefix that is the longest leading
// path-segment ancestor of uri, or OriginUnknown when no mount matches.
// The scheme and any leading slashes are ignored; prefixes may span several
// segments ("a/b").
func OriginServer(uri string, prefixes []string) string {
	path := uri
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+len("://"):]
	}
	path = strings.TrimLeft(path, "/")

	origin := OriginUnknown
	best := -1
	for _, p := range prefixes {
		if p == "" || len(p) <= best {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			best = len(p)
			origin = p
		}
	}
	return origin
}
