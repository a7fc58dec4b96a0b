package workforce

import (
	"encoding/xml"
	"regexp"
	"strings"
)

var (
	taskBlockRe   = regexp.MustCompile(`(?s)<task>(.*?)</task>`)
	numberedLineRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
)

type xmlTasks struct {
	Tasks []string `xml:"task"`
}

// ParseTaskList extracts subtask descriptions from planner output. Three
// shapes are accepted, tried in order: a well-formed <tasks> document, bare
// <task> siblings, and a numbered list.
func ParseTaskList(raw string) []string {
	if tasks := parseWellFormed(raw); len(tasks) > 0 {
		return tasks
	}
	if tasks := parseTaskTags(raw); len(tasks) > 0 {
		return tasks
	}
	return parseNumberedList(raw)
}

func parseWellFormed(raw string) []string {
	start := strings.Index(raw, "<tasks>")
	end := strings.LastIndex(raw, "</tasks>")
	if start < 0 || end < 0 || end <= start {
		return nil
	}
	doc := raw[start : end+len("</tasks>")]

	var parsed xmlTasks
	if err := xml.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil
	}
	return cleanTasks(parsed.Tasks)
}

func parseTaskTags(raw string) []string {
	matches := taskBlockRe.FindAllStringSubmatch(raw, -1)
	tasks := make([]string, 0, len(matches))
	for _, m := range matches {
		tasks = append(tasks, m[1])
	}
	return cleanTasks(tasks)
}

func parseNumberedList(raw string) []string {
	matches := numberedLineRe.FindAllStringSubmatch(raw, -1)
	tasks := make([]string, 0, len(matches))
	for _, m := range matches {
		tasks = append(tasks, m[1])
	}
	return cleanTasks(tasks)
}

func cleanTasks(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
