package beat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/apimgr/assistant/src/task"
)

// LoadEntries reads extra schedule entries from a YAML file. Each entry
// needs a name, a five-field cron expression and a target queue; the
// expressions are validated before anything is returned.
func LoadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("beat schedule %s: %w", path, err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("beat schedule %s: %w", path, err)
	}
	for i, e := range entries {
		if e.Name == "" || e.Queue == "" {
			return nil, fmt.Errorf("beat schedule %s: entry %d needs name and queue: %w",
				path, i, task.ErrInvalidSpec)
		}
		if _, err := Parse(e.Expr); err != nil {
			return nil, fmt.Errorf("beat schedule %s: entry %q: %w", path, e.Name, err)
		}
	}
	return entries, nil
}

// MergeEntries overlays extras onto base: an extra whose name matches a
// base entry replaces it, the rest are appended in file order.
func MergeEntries(base, extras []Entry) []Entry {
	merged := make([]Entry, len(base))
	copy(merged, base)
	for _, e := range extras {
		replaced := false
		for i := range merged {
			if merged[i].Name == e.Name {
				merged[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, e)
		}
	}
	return merged
}
