package expressions

import (
	"regexp"
	"sort"
)

var taskRefPattern = regexp.MustCompile(`\{\{\s*tasks\.([A-Za-z0-9_-]+)\.output`)

// ExtractTaskRefs scans a string for tasks.<id>.output references and
// returns the referenced task ids, sorted and deduplicated. These are the
// implicit dependencies the graph builder adds alongside declared ones.
func ExtractTaskRefs(s string) []string {
	matches := taskRefPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var ids []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	sort.Strings(ids)
	return ids
}

// ExtractTaskRefsAll scans multiple strings and merges their references.
func ExtractTaskRefsAll(values ...string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range values {
		for _, id := range ExtractTaskRefs(s) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
