// Package orchestrate turns a discovered source tree into the run's job DAG:
// one global resolution job fed by one job per directory, each fed by one job
// per file.
package orchestrate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"codeweft/internal/domain"
	"codeweft/internal/queue"
)

// Scope is a discovered run scope: directories (relative, slash-separated)
// mapped to the source files they contain.
type Scope struct {
	Root string
	Dirs map[string][]string
}

type Scout struct {
	Queue      *queue.Queue
	Ignore     []string
	Extensions []string
}

var defaultIgnore = []string{".git", ".codeweft", "node_modules", "vendor", "dist", "build", "__pycache__"}

var defaultExtensions = []string{".go", ".js", ".ts", ".jsx", ".tsx", ".py", ".java", ".rb", ".rs", ".c", ".h", ".cpp", ".cs", ".php", ".sql"}

// Discover walks the root and collects analyzable files grouped by directory.
func (s *Scout) Discover(root string) (Scope, error) {
	scope := Scope{Root: root, Dirs: map[string][]string{}}
	ignore := s.Ignore
	if len(ignore) == 0 {
		ignore = defaultIgnore
	}
	exts := s.Extensions
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	ignored := map[string]bool{}
	for _, name := range ignore {
		ignored[name] = true
	}
	allowed := map[string]bool{}
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (ignored[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !allowed[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		dir := path.Dir(rel)
		scope.Dirs[dir] = append(scope.Dirs[dir], rel)
		return nil
	})
	if err != nil {
		return Scope{}, fmt.Errorf("discover %s: %w", root, err)
	}
	for _, files := range scope.Dirs {
		sort.Strings(files)
	}
	return scope, nil
}

// ReadFile returns a scoped file's content for the analysis oracle.
func (s Scope) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Plan lays out the fan-out/fan-in tree for a scope: file jobs feed their
// directory job, directory jobs feed the single global job.
func Plan(runID string, scope Scope) []queue.Spec {
	dirs := make([]string, 0, len(scope.Dirs))
	for d := range scope.Dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	var specs []queue.Spec
	var dirJobIDs []string
	for _, dir := range dirs {
		files := scope.Dirs[dir]
		fileJobIDs := make([]string, 0, len(files))
		for _, f := range files {
			id := jobID(runID, domain.JobFileAnalysis, f)
			fileJobIDs = append(fileJobIDs, id)
			specs = append(specs, queue.Spec{ID: id, Kind: domain.JobFileAnalysis, Path: f})
		}
		dirID := jobID(runID, domain.JobDirectoryResolution, dir)
		dirJobIDs = append(dirJobIDs, dirID)
		specs = append(specs, queue.Spec{
			ID:        dirID,
			Kind:      domain.JobDirectoryResolution,
			Path:      dir,
			Payload:   map[string]any{"files": files},
			DependsOn: fileJobIDs,
		})
	}
	specs = append(specs, queue.Spec{
		ID:        jobID(runID, domain.JobGlobalResolution, ""),
		Kind:      domain.JobGlobalResolution,
		DependsOn: dirJobIDs,
	})
	return specs
}

// Orchestrate enqueues the full DAG atomically. On failure nothing is left
// enqueued and the caller must abandon the run.
func (s *Scout) Orchestrate(ctx context.Context, runID string, scope Scope) ([]domain.Job, error) {
	specs := Plan(runID, scope)
	jobs, err := s.Queue.EnqueueTree(ctx, runID, specs)
	if err != nil {
		return nil, fmt.Errorf("build job DAG for run %s: %w", runID, err)
	}
	return jobs, nil
}

func jobID(runID, kind, p string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"|"+kind+"|"+p)).String()
}
