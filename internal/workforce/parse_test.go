package workforce

import "testing"

func TestParseTaskListWellFormed(t *testing.T) {
	raw := `Here is the plan:
<tasks>
  <task>Search for recent papers</task>
  <task>Summarize the findings</task>
</tasks>`
	got := ParseTaskList(raw)
	if len(got) != 2 {
		t.Fatalf("tasks = %v", got)
	}
	if got[0] != "Search for recent papers" {
		t.Errorf("first = %q", got[0])
	}
}

func TestParseTaskListBareTags(t *testing.T) {
	// No wrapper, and stray text in between.
	raw := `<task>step one</task>
some commentary the model added
<task>step two</task>`
	got := ParseTaskList(raw)
	if len(got) != 2 || got[1] != "step two" {
		t.Fatalf("tasks = %v", got)
	}
}

func TestParseTaskListNumberedFallback(t *testing.T) {
	raw := `I would split it like this:
1. gather the data
2) clean it up
3. write the report`
	got := ParseTaskList(raw)
	if len(got) != 3 || got[2] != "write the report" {
		t.Fatalf("tasks = %v", got)
	}
}

func TestParseTaskListGarbage(t *testing.T) {
	if got := ParseTaskList("no structure here at all"); len(got) != 0 {
		t.Fatalf("tasks = %v", got)
	}
	if got := ParseTaskList("<tasks><task>  </task></tasks>"); len(got) != 0 {
		t.Fatalf("blank tasks should be dropped: %v", got)
	}
}

func TestExtractJSON(t *testing.T) {
	raw := "Sure! ```json\n{\"a\": {\"b\": \"}\"}}\n``` hope that helps"
	got := extractJSON(raw)
	if got != `{"a": {"b": "}"}}` {
		t.Fatalf("extracted %q", got)
	}
	if extractJSON("no json") != "no json" {
		t.Error("passthrough when no brace")
	}
}
