// Package filterset provides the path predicate consumed both by
// Repository.SetFilter (orphan-deletion exclusion, spec.md §4.3) and by
// ArchiveExtractor's FilterPath hook (spec.md §4.2) when an extractor is
// driven from a .tgz/.zip leaf found during a sync.
//
// Neither the teacher nor any single pack example does path filtering for
// this kind of mirror; this wires two library dependencies named in the
// teacher's go.mod (gobwas/glob, sabhiram/go-gitignore) that the distilled
// spec's Repository.setFilter names but does not itself implement.
package filterset

import (
	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"
)

// Decision mirrors the ArchiveExtractor filterPath hook's contract from
// spec.md §4.2.
type Decision int

const (
	// Accepted means the path may proceed unmodified.
	Accepted Decision = iota
	// Skipped means this entry alone is dropped; extraction continues.
	Skipped
	// Modified means the entry proceeds under the returned path instead of
	// the one it was asked about.
	Modified
	// Stop aborts extraction cleanly, as if end-of-archive had been reached.
	Stop
)

// Filter decides whether a repository-relative path should be kept, and
// under what path. Go has no mutable-reference out-parameter, so a Modified
// decision carries its rewritten path as the second return value; every
// other decision returns relPath unchanged.
// A nil Filter always returns (Accepted, relPath) — every testable property
// that exercises orphan deletion or archive extraction without configuring
// a filter must see unfiltered behavior.
type Filter interface {
	Decide(relPath string) (Decision, string)
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(relPath string) (Decision, string)

// Decide implements Filter.
func (f FilterFunc) Decide(relPath string) (Decision, string) { return f(relPath) }

// Decide runs f if non-nil, defaulting to Accepted.
func Decide(f Filter, relPath string) (Decision, string) {
	if f == nil {
		return Accepted, relPath
	}
	return f.Decide(relPath)
}

// globFilter excludes any path matching one of a set of glob patterns.
type globFilter struct {
	excludes []glob.Glob
}

// NewGlob compiles patterns (shell-glob syntax, e.g. "*.tmp", "build/**")
// into a Filter that skips any matching path.
func NewGlob(patterns []string) (Filter, error) {
	f := &globFilter{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		f.excludes = append(f.excludes, g)
	}
	return f, nil
}

func (f *globFilter) Decide(relPath string) (Decision, string) {
	for _, g := range f.excludes {
		if g.Match(relPath) {
			return Skipped, relPath
		}
	}
	return Accepted, relPath
}

// gitignoreFilter excludes paths matching a gitignore-style pattern set.
type gitignoreFilter struct {
	matcher *ignore.GitIgnore
}

// NewGitIgnore compiles lines (in .gitignore syntax) into a Filter.
func NewGitIgnore(lines []string) Filter {
	return &gitignoreFilter{matcher: ignore.CompileIgnoreLines(lines...)}
}

func (f *gitignoreFilter) Decide(relPath string) (Decision, string) {
	if f.matcher.MatchesPath(relPath) {
		return Skipped, relPath
	}
	return Accepted, relPath
}

// Chain evaluates filters in order, short-circuiting on the first
// non-Accepted decision. A Modified result feeds its rewritten path into
// the remaining filters, so later filters see the effect of earlier
// rewrites. Lets the glob and gitignore filters compose under one
// Repository.SetFilter call.
func Chain(filters ...Filter) Filter {
	return FilterFunc(func(relPath string) (Decision, string) {
		last := Accepted
		for _, f := range filters {
			if f == nil {
				continue
			}
			d, p := f.Decide(relPath)
			switch d {
			case Accepted:
				continue
			case Modified:
				relPath = p
				last = Modified
			default:
				return d, p
			}
		}
		return last, relPath
	})
}
