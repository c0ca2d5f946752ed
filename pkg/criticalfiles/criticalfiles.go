// Package criticalfiles implements the gitignored-but-critical file
// extractor (spec §4.3 C5): files a repository's .gitignore hides from
// version control but that a backup still needs (credentials, local
// env files), packed into a sidecar archive next to each bundle.
package criticalfiles

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudsync/cloudsync/internal/gitcmd"
)

// Matcher decides whether a relative path should be captured as a
// critical ignored file (spec §4.3: "matches at least one allow
// pattern, no deny-pattern, and git reports it as ignored").
type Matcher struct {
	allow []string
	deny  []string
}

// overrideFileName is the per-repo allow-list override (spec §4.3).
const overrideFileName = ".cloudsync-critical"

// NewMatcher builds a Matcher from the global allow/deny lists plus any
// per-repo override file found at repoDir/.cloudsync-critical, one
// pattern per line (blank lines and "#"-prefixed comments ignored).
func NewMatcher(repoDir string, globalAllow, globalDeny []string) (*Matcher, error) {
	allow := append([]string{}, globalAllow...)

	overridePath := filepath.Join(repoDir, overrideFileName)
	data, err := os.ReadFile(overridePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			allow = append(allow, line)
		}
	}

	return &Matcher{allow: allow, deny: append([]string{}, globalDeny...)}, nil
}

// Match reports whether relPath (slash-separated, relative to the
// repo root) should be captured.
func (m *Matcher) Match(relPath string) bool {
	matchedAllow := false
	for _, pat := range m.allow {
		if matchGlobSegment(pat, relPath) {
			matchedAllow = true
			break
		}
	}
	if !matchedAllow {
		return false
	}
	for _, pat := range m.deny {
		if matchGlobSegment(pat, relPath) {
			return false
		}
	}
	return true
}

// matchGlobSegment matches pat against relPath, or against any path
// segment of relPath — this lets a directory-style pattern like
// "node_modules/" deny nested occurrences, and a bare pattern like
// "*.pem" match a file at any depth, the way .gitignore semantics work.
func matchGlobSegment(pat, relPath string) bool {
	if strings.HasSuffix(pat, "/") {
		dir := strings.TrimSuffix(pat, "/")
		for _, seg := range strings.Split(relPath, "/") {
			if ok, _ := filepath.Match(dir, seg); ok {
				return true
			}
		}
		return false
	}

	if ok, _ := filepath.Match(pat, relPath); ok {
		return true
	}
	base := filepath.Base(relPath)
	ok, _ := filepath.Match(pat, base)
	return ok
}

// Discover lists the repo-relative paths of critical ignored files in
// repoDir: git-ignored files matching the allow list, none matching
// the deny list. Nested git repositories and symbolic links are never
// followed (spec B.7 Open Question resolution: the extractor follows
// neither).
func Discover(ctx context.Context, ex *gitcmd.Executor, repoDir string, m *Matcher) ([]string, error) {
	ignored, err := ex.IgnoredFiles(ctx, repoDir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rel := range ignored {
		rel = strings.TrimSpace(rel)
		if rel == "" {
			continue
		}
		if isInsideNestedRepo(repoDir, rel) {
			continue
		}
		if isSymlink(repoDir, rel) {
			continue
		}
		if m.Match(rel) {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}

// isInsideNestedRepo reports whether rel crosses into a nested .git
// directory (a submodule or vendored repo), which the extractor
// never descends into.
func isInsideNestedRepo(repoDir, rel string) bool {
	dir := filepath.Dir(rel)
	for dir != "." && dir != "/" && dir != "" {
		if info, err := os.Stat(filepath.Join(repoDir, dir, ".git")); err == nil {
			_ = info
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return false
}

func isSymlink(repoDir, rel string) bool {
	info, err := os.Lstat(filepath.Join(repoDir, rel))
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}
