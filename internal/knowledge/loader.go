package knowledge

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Story is one source document of the corpus.
type Story struct {
	Source string // path relative to the stories directory
	Text   string
}

// IsMarkdown reports whether the story should be split along markdown structure.
func (s Story) IsMarkdown() bool {
	return strings.EqualFold(filepath.Ext(s.Source), ".md")
}

var storyExts = map[string]bool{".txt": true, ".md": true}

// LoadStories reads every .txt and .md file under dir, sorted by path.
// Other files are skipped with a log line; empty files are ignored.
func LoadStories(dir string, logger *slog.Logger) ([]Story, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stories directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stories path %s is not a directory", dir)
	}

	var stories []Story
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !storyExts[ext] {
			logger.Debug("skipping non-text story file", "path", path)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
		if text == "" {
			logger.Warn("skipping empty story", "path", path)
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		stories = append(stories, Story{Source: filepath.ToSlash(rel), Text: text})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].Source < stories[j].Source })
	return stories, nil
}
