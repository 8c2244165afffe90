// Package pathfilter decides which directories of a drive take part in a scan.
//
// Includes are directory prefixes relative to the scan root; excludes are bare
// directory names matched against every path component below the root.
// Excludes always win over includes.
package pathfilter

import (
	"path"
	"path/filepath"
	"strings"
)

type PathFilter struct {
	root     string
	includes []string
	excludes map[string]struct{}
}

// New compiles include and exclude lists for root. Empty or "." includes mean
// "everything"; duplicate and overlapping includes are a plain union.
func New(root string, include, exclude []string) *PathFilter {
	f := &PathFilter{
		root:     filepath.Clean(root),
		excludes: make(map[string]struct{}, len(exclude)),
	}

	for _, inc := range include {
		inc = path.Clean(filepath.ToSlash(strings.TrimSpace(inc)))
		inc = strings.TrimPrefix(inc, "/")
		if inc == "." || inc == "" {
			// the whole tree is included, nothing else matters
			f.includes = nil
			break
		}
		f.includes = append(f.includes, inc)
	}

	for _, exc := range exclude {
		exc = strings.Trim(strings.TrimSpace(exc), "/")
		if exc != "" {
			f.excludes[exc] = struct{}{}
		}
	}

	return f
}

// Root returns the directory the filter was built for
func (f *PathFilter) Root() string {
	return f.root
}

// Admits reports whether absDir is eligible for scanning: it is inside the root,
// carries no excluded component and lies at or below an include prefix.
func (f *PathFilter) Admits(absDir string) bool {
	rel, ok := f.rel(absDir)
	if !ok || f.excluded(rel) {
		return false
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, inc := range f.includes {
		if rel == inc || strings.HasPrefix(rel, inc+"/") {
			return true
		}
	}
	return false
}

// Traverses reports whether a walk must descend into absDir, either because it is
// admitted or because an include prefix lies below it.
func (f *PathFilter) Traverses(absDir string) bool {
	if f.Admits(absDir) {
		return true
	}
	rel, ok := f.rel(absDir)
	if !ok || f.excluded(rel) {
		return false
	}
	if rel == "." {
		return true
	}
	for _, inc := range f.includes {
		if strings.HasPrefix(inc, rel+"/") {
			return true
		}
	}
	return false
}

// AdmitsFile reports whether a file at absFile belongs to the scan
func (f *PathFilter) AdmitsFile(absFile string) bool {
	return f.Admits(filepath.Dir(absFile))
}

func (f *PathFilter) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(f.root, filepath.Clean(abs))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (f *PathFilter) excluded(rel string) bool {
	if len(f.excludes) == 0 || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if _, ok := f.excludes[part]; ok {
			return true
		}
	}
	return false
}
