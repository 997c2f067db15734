package oracle

import (
	"bufio"
	"context"
	"path"
	"strings"
)

// Static is a deterministic offline oracle: it reads import-style statements
// out of the scoped content and reports them as IMPORTS relationships. Used
// for dry runs and tests; real analysis comes from the HTTP oracle.
type Static struct {
	InitialScore float64
}

func (s Static) score() float64 {
	if s.InitialScore > 0 {
		return s.InitialScore
	}
	return 60
}

func (s Static) Analyze(ctx context.Context, req Request) ([]Candidate, error) {
	if req.Kind != "file-analysis" || req.Content == "" {
		return nil, nil
	}
	var out []Candidate
	seen := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(req.Content))
	for scanner.Scan() {
		target := importTarget(strings.TrimSpace(scanner.Text()))
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		out = append(out, Candidate{
			SourceFile:        req.Path,
			SourceName:        path.Base(req.Path),
			TargetFile:        target,
			TargetName:        path.Base(target),
			Type:              "IMPORTS",
			SupportsExistence: true,
			InitialScore:      s.score(),
			Evidence:          "import statement",
		})
	}
	return out, scanner.Err()
}

func importTarget(line string) string {
	switch {
	case strings.HasPrefix(line, "import "):
		rest := strings.TrimPrefix(line, "import ")
		return strings.Trim(strings.Fields(rest)[0], `"';`)
	case strings.HasPrefix(line, "from ") && strings.Contains(line, " import "):
		rest := strings.TrimPrefix(line, "from ")
		return strings.Fields(rest)[0]
	case strings.HasPrefix(line, "#include "):
		return strings.Trim(strings.TrimPrefix(line, "#include "), `"<>`)
	}
	return ""
}
