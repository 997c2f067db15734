package oracle

import (
	"context"
	"testing"
)

func TestSanitizeFencedJSON(t *testing.T) {
	raw := "Here you go:\n```json\n{\"findings\": []}\n```\nHope that helps!"
	if got := Sanitize(raw); got != `{"findings": []}` {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeBareArray(t *testing.T) {
	raw := "result: [{\"type\":\"CALLS\"}] trailing"
	if got := Sanitize(raw); got != `[{"type":"CALLS"}]` {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizePassesCleanJSON(t *testing.T) {
	raw := `{"findings":[{"type":"IMPORTS"}]}`
	if got := Sanitize(raw); got != raw {
		t.Fatalf("got %q", got)
	}
}

func TestStaticFindsImports(t *testing.T) {
	content := "import \"fmt\"\nimport \"fmt\"\nfrom utils import helper\nx = 1\n"
	got, err := Static{}.Analyze(context.Background(), Request{Kind: "file-analysis", Path: "svc/a.py", Content: content})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deduped candidates, got %d", len(got))
	}
	for _, c := range got {
		if !c.Valid() {
			t.Fatalf("invalid candidate %+v", c)
		}
		if c.Type != "IMPORTS" || !c.SupportsExistence {
			t.Fatalf("unexpected candidate %+v", c)
		}
	}
}

func TestCandidateValid(t *testing.T) {
	c := Candidate{SourceFile: "a", SourceName: "x", TargetFile: "b", TargetName: "y", Type: "CALLS"}
	if !c.Valid() {
		t.Fatalf("expected valid")
	}
	c.Type = ""
	if c.Valid() {
		t.Fatalf("expected invalid without type")
	}
}
