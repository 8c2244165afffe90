package pathfilter

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the per-drive gitignore-style rules file
const IgnoreFileName = ".driveignore"

// IgnoreList holds optional file-level rules loaded from a drive's .driveignore
type IgnoreList struct {
	ignore *gitignore.GitIgnore
	rules  int
}

// LoadIgnoreList reads root/.driveignore. A missing file yields a list that only
// ignores the rules file itself.
func LoadIgnoreList(root string) (*IgnoreList, error) {
	ignorePath := filepath.Join(root, IgnoreFileName)

	file, err := os.Open(ignorePath)
	if os.IsNotExist(err) {
		return &IgnoreList{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", ignorePath, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", ignorePath, err)
	}

	slog.Debug("loaded ignore file", "path", ignorePath, "rules", len(lines))
	return &IgnoreList{
		ignore: gitignore.CompileIgnoreLines(lines...),
		rules:  len(lines),
	}, nil
}

// Rules returns the number of rules compiled from the ignore file
func (l *IgnoreList) Rules() int {
	return l.rules
}

// ShouldIgnore matches a slash-separated path relative to the drive root
func (l *IgnoreList) ShouldIgnore(rel string) bool {
	if rel == IgnoreFileName {
		return true
	}
	if l == nil || l.ignore == nil {
		return false
	}
	return l.ignore.MatchesPath(rel)
}
