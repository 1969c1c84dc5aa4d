package node

import (
	"path"
	"regexp"
	"strings"
)

const RootPath = "/"

var filePattern = regexp.MustCompile(`^[^.]+\.[^.]+$`)

// CleanPath returns the canonical absolute form of p.
func CleanPath(p string) string {
	if p == "" {
		return RootPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsFile reports whether the final segment of p names a file: a dot with
// non-empty text on both sides.
func IsFile(p string) bool {
	return filePattern.MatchString(Base(p))
}

func Base(p string) string {
	p = CleanPath(p)
	if p == RootPath {
		return ""
	}
	return path.Base(p)
}

// Parent returns the parent of p. The root has no parent.
func Parent(p string) (string, bool) {
	p = CleanPath(p)
	if p == RootPath {
		return "", false
	}
	return path.Dir(p), true
}

// Segments splits p into its non-empty segments. The root has none.
func Segments(p string) []string {
	p = CleanPath(p)
	if p == RootPath {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Depth is the number of segments in p.
func Depth(p string) int {
	return len(Segments(p))
}

// Ancestors lists every proper ancestor of p from the root down.
func Ancestors(p string) []string {
	segs := Segments(p)
	out := []string{RootPath}
	if len(segs) == 0 {
		return nil
	}
	cur := ""
	for _, s := range segs[:len(segs)-1] {
		cur += "/" + s
		out = append(out, cur)
	}
	return out
}

// ChildPrefix is the key prefix under which every descendant of p lives.
func ChildPrefix(p string) string {
	p = CleanPath(p)
	if p == RootPath {
		return RootPath
	}
	return p + "/"
}

// IsWithin reports whether p equals root or lies beneath it.
func IsWithin(p, root string) bool {
	p, root = CleanPath(p), CleanPath(root)
	return p == root || strings.HasPrefix(p, ChildPrefix(root))
}

// TypeOf derives the node type from the path.
func TypeOf(p string) NodeType {
	if IsFile(p) {
		return TypeFile
	}
	return TypeDirectory
}
