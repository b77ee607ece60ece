// Package pathset resolves the path arguments given on the command line into
// the ordered list of paths to watch, expanding glob patterns on the way.
package pathset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
	"golang.org/x/text/unicode/norm"
)

// NoMatchError is returned for a glob pattern that matched nothing.
type NoMatchError struct {
	Pattern string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no matches for pattern %s", e.Pattern)
}

// Resolve turns path arguments into the list of paths to watch. Literal paths
// are kept as given, whether or not they exist. Patterns are expanded in
// lexical order. Duplicates are kept. Every pattern without a match is
// reported in the returned error.
func Resolve(args []string) ([]string, error) {
	var (
		paths []string
		errs  []error
	)

	for _, arg := range args {
		if !IsPattern(arg) {
			paths = append(paths, arg)
			continue
		}

		matches, err := Expand(arg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		paths = append(paths, matches...)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return paths, nil
}

// IsPattern reports whether arg should be expanded. An argument with glob
// metacharacters that names an existing file is taken literally.
func IsPattern(arg string) bool {
	if !hasMeta(arg) {
		return false
	}
	if _, err := os.Lstat(arg); err == nil {
		return false
	}
	return true
}

// Expand returns the paths matching pattern, sorted lexically per directory.
func Expand(pattern string) ([]string, error) {
	base, rest := splitPattern(filepath.ToSlash(pattern))
	if rest == "" {
		// No metacharacters left after the static prefix
		if _, err := os.Lstat(pattern); err != nil {
			return nil, &NoMatchError{Pattern: pattern}
		}
		return []string{pattern}, nil
	}

	var globs []glob.Glob
	for _, variant := range globstarVariants(norm.NFC.String(rest)) {
		g, err := glob.Compile(variant, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	m := &matcher{
		globs:      globs,
		maxDepth:   maxDepth(rest),
		showHidden: wantsHidden(rest),
	}

	osBase := filepath.FromSlash(base)
	info, err := os.Stat(osBase)
	if err != nil || !info.IsDir() {
		return nil, &NoMatchError{Pattern: pattern}
	}

	var matches []string
	err = godirwalk.Walk(osBase, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			rel, err := filepath.Rel(osBase, osPathname)
			if err != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if !m.showHidden && strings.HasPrefix(de.Name(), ".") {
				if de.IsDir() {
					return godirwalk.SkipThis
				}
				return nil
			}

			if m.match(norm.NFC.String(rel)) {
				matches = append(matches, joinBase(base, osBase, rel))
			}

			if de.IsDir() && m.maxDepth > 0 && depth(rel) >= m.maxDepth {
				return godirwalk.SkipThis
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			// Unreadable directories simply contribute no matches
			return godirwalk.SkipNode
		},
		FollowSymbolicLinks: false,
		Unsorted:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", pattern, err)
	}

	if len(matches) == 0 {
		return nil, &NoMatchError{Pattern: pattern}
	}
	return matches, nil
}

type matcher struct {
	globs      []glob.Glob
	maxDepth   int // 0 means unbounded
	showHidden bool
}

func (m *matcher) match(rel string) bool {
	for _, g := range m.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// globstarVariants spells out every "**/" segment both as itself and as
// nothing, so that it also matches zero directories. gobwas/glob alone
// requires at least one separator after "**".
func globstarVariants(rest string) []string {
	variants := []string{""}
	segments := strings.Split(rest, "/")
	for i, seg := range segments {
		last := i == len(segments)-1
		next := make([]string, 0, 2*len(variants))
		for _, v := range variants {
			if seg == "**" && !last {
				next = append(next, v)
			}
			if last {
				next = append(next, v+seg)
			} else {
				next = append(next, v+seg+"/")
			}
		}
		variants = next
	}
	return variants
}

// splitPattern separates the leading directories without metacharacters from
// the part that has to be matched.
func splitPattern(pattern string) (base, rest string) {
	segments := strings.Split(pattern, "/")

	i := 0
	for ; i < len(segments)-1; i++ {
		if hasMeta(segments[i]) {
			break
		}
	}
	if !hasMeta(segments[i]) {
		return pattern, ""
	}

	base = strings.Join(segments[:i], "/")
	switch {
	case base == "" && strings.HasPrefix(pattern, "/"):
		base = "/"
	case base == "":
		base = "."
	}
	return base, strings.Join(segments[i:], "/")
}

// joinBase rebuilds a match the way the user spelled the pattern, so that
// "*.go" yields "main.go" and "./*.go" yields "main.go" as well.
func joinBase(base, osBase, rel string) string {
	if base == "." {
		return filepath.FromSlash(rel)
	}
	return filepath.Join(osBase, filepath.FromSlash(rel))
}

func maxDepth(rest string) int {
	if strings.Contains(rest, "**") {
		return 0
	}
	return strings.Count(rest, "/") + 1
}

func depth(rel string) int {
	return strings.Count(rel, "/") + 1
}

func wantsHidden(rest string) bool {
	for _, seg := range strings.Split(rest, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// hasMeta reports whether s contains an unescaped glob metacharacter.
func hasMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
