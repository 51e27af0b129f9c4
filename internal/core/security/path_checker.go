package security

import (
	"path"
	"strings"
)

// writeCommands modify the paths they are given
var writeCommands = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mv": {}, "cp": {}, "dd": {}, "tee": {}, "touch": {},
	"mkdir": {}, "chmod": {}, "chown": {}, "truncate": {}, "ln": {}, "shred": {},
	"install": {}, "rsync": {},
}

// PathAccessChecker matches path arguments against restricted and
// read-only prefixes. It works on the text alone: "~" is expanded from the
// configured home directory, relative paths are not resolved and symlinks
// are not followed.
type PathAccessChecker struct {
	home       string
	restricted []string
	readonly   []string
}

// NewPathAccessChecker creates a new path checker.
func NewPathAccessChecker(policy Policy) *PathAccessChecker {
	pc := &PathAccessChecker{home: policy.HomeDir}
	for _, p := range policy.RestrictedPaths {
		if c := pc.canonicalize(p); c != "" {
			pc.restricted = append(pc.restricted, c)
		}
	}
	for _, p := range policy.ReadOnlyPaths {
		if c := pc.canonicalize(p); c != "" {
			pc.readonly = append(pc.readonly, c)
		}
	}
	return pc
}

// Restricted returns the first path argument inside a restricted prefix.
func (pc *PathAccessChecker) Restricted(segments []Segment) (string, bool) {
	for _, seg := range segments {
		for _, p := range pc.ExtractPaths(seg) {
			if under(p, pc.restricted) {
				return p, true
			}
		}
	}
	return "", false
}

// ReadOnlyWrite returns the first read-only path that a write-like segment
// or an output redirection touches.
func (pc *PathAccessChecker) ReadOnlyWrite(segments []Segment) (string, bool) {
	for _, seg := range segments {
		_, writes := writeCommands[seg.Executable()]
		for i, w := range seg.Words {
			target := ""
			switch {
			case w == ">" || w == ">>":
				if i+1 < len(seg.Words) {
					target = seg.Words[i+1]
				}
			case strings.HasPrefix(w, ">"):
				target = strings.TrimLeft(w, ">")
			case strings.HasPrefix(w, "of="):
				target = strings.TrimPrefix(w, "of=")
			case writes && i > 0 && !strings.HasPrefix(w, "-"):
				target = w
			}
			if c := pc.canonicalize(target); c != "" && under(c, pc.readonly) {
				return c, true
			}
		}
	}
	return "", false
}

// ExtractPaths extracts absolute or home-relative paths from a segment.
func (pc *PathAccessChecker) ExtractPaths(seg Segment) []string {
	var paths []string
	for _, w := range seg.Words {
		if strings.HasPrefix(w, "-") {
			continue
		}
		w = strings.TrimLeft(w, "<>")
		w = strings.TrimPrefix(w, "of=")
		w = strings.TrimPrefix(w, "if=")
		if c := pc.canonicalize(w); c != "" {
			paths = append(paths, c)
		}
	}
	return paths
}

// canonicalize cleans absolute and "~" paths; anything else yields "".
func (pc *PathAccessChecker) canonicalize(p string) string {
	switch {
	case p == "~" && pc.home != "":
		return path.Clean(pc.home)
	case strings.HasPrefix(p, "~/") && pc.home != "":
		return path.Clean(path.Join(pc.home, p[2:]))
	case strings.HasPrefix(p, "/"):
		return path.Clean(p)
	default:
		return ""
	}
}

func under(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if p == prefix || prefix == "/" || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}
