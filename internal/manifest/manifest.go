// Package manifest tracks, per relationship, which producers are expected to
// weigh in and which already have. An entry moves unseen → open on the first
// finding, open → sealed when the received set covers the expected set, and
// sealed → reconciled once scored.
package manifest

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"codeweft/internal/domain"
	"codeweft/internal/ident"
	"codeweft/internal/repo"
)

// GlobalProducer is the producer id of the single global resolution pass.
const GlobalProducer = "global"

func FileProducer(file string) string { return "file:" + file }
func DirProducer(dir string) string   { return "dir:" + dir }

// ProducerForJob maps a job to its stable producer id. Producer ids survive
// retries; job ids do not.
func ProducerForJob(j domain.Job) string {
	switch j.Kind {
	case domain.JobFileAnalysis:
		return FileProducer(j.Path)
	case domain.JobDirectoryResolution:
		return DirProducer(j.Path)
	case domain.JobGlobalResolution:
		return GlobalProducer
	}
	return ""
}

// ExpectedProducers derives the full set of producers structurally capable of
// observing both endpoints: the file job for each endpoint, the directory job
// when the files differ within one directory, the global job when the
// directories differ.
func ExpectedProducers(sourceEntityID, targetEntityID string) []string {
	srcFile := ident.EntityFile(sourceEntityID)
	tgtFile := ident.EntityFile(targetEntityID)
	expected := []string{FileProducer(srcFile)}
	if tgtFile == srcFile {
		return expected
	}
	expected = append(expected, FileProducer(tgtFile))
	srcDir := ident.EntityDir(sourceEntityID)
	tgtDir := ident.EntityDir(targetEntityID)
	if srcDir == tgtDir {
		expected = append(expected, DirProducer(srcDir))
	} else {
		expected = append(expected, GlobalProducer)
	}
	return expected
}

type Manifest struct {
	DB   *sql.DB
	Repo repo.Repo
	// Known filters expected producers down to those that exist in the
	// run's job DAG, so a hallucinated endpoint cannot block sealing.
	// Nil means every derived producer is expected.
	Known func(producerID string) bool
	Now   func() time.Time
}

func New(db *sql.DB) *Manifest {
	return &Manifest{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (m *Manifest) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Record folds one finding into the manifest: the entry is conditionally
// created, the expected set is registered (grow-only), the finding's producer
// joins the received set, and the entry is sealed if coverage is complete.
// The whole step is one transaction, so two findings racing on a brand-new
// relationship can never lose a producer or seal prematurely against a stale
// expected set. Reports whether the entry is sealed and still awaiting
// reconciliation after this call — not merely whether this call flipped it,
// so a caller that crashed between sealing and acting on it sees sealed
// again on redelivery.
func (m *Manifest) Record(ctx context.Context, f domain.Finding) (bool, error) {
	expected := ExpectedProducers(f.SourceEntityID, f.TargetEntityID)
	if m.Known != nil {
		kept := expected[:0]
		for _, p := range expected {
			if m.Known(p) {
				kept = append(kept, p)
			}
		}
		expected = kept
	}
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := m.Repo.EnsureManifestEntryTx(ctx, tx, f.RunID, f.RelationshipID, now); err != nil {
		return false, err
	}
	if err := m.Repo.AddManifestProducersTx(ctx, tx, f.RunID, f.RelationshipID, "expected", expected); err != nil {
		return false, err
	}
	if err := m.Repo.AddManifestProducersTx(ctx, tx, f.RunID, f.RelationshipID, "received", []string{f.ProducerID}); err != nil {
		return false, err
	}
	sealed, err := m.Repo.SealManifestEntryTx(ctx, tx, f.RunID, f.RelationshipID, now)
	if err != nil {
		return false, err
	}
	if !sealed {
		// an earlier call may have committed the seal and died before
		// scheduling reconciliation; the state read keeps redelivery honest
		state, err := m.Repo.ManifestEntryStateTx(ctx, tx, f.RunID, f.RelationshipID)
		if err != nil {
			return false, err
		}
		sealed = state == domain.ManifestSealed
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return sealed, nil
}

// reloadWait spaces the single retry out from the miss, so a concurrent
// writer's commit has a chance to land in between.
const reloadWait = 50 * time.Millisecond

// Entry reads back manifest state, retrying once on a miss: a concurrent
// writer may have created the entry between the caller's trigger and this
// read.
func (m *Manifest) Entry(ctx context.Context, runID, relationshipID string) (domain.ManifestEntry, error) {
	e, err := m.Repo.GetManifestEntry(ctx, runID, relationshipID)
	if err == repo.ErrNotFound {
		select {
		case <-ctx.Done():
			return e, ctx.Err()
		case <-time.After(reloadWait):
		}
		e, err = m.Repo.GetManifestEntry(ctx, runID, relationshipID)
	}
	return e, err
}

// Covers reports whether received ⊇ expected for an entry snapshot.
func Covers(e domain.ManifestEntry) bool {
	received := map[string]bool{}
	for _, p := range e.ReceivedProducers {
		received[p] = true
	}
	for _, p := range e.ExpectedProducers {
		if !received[p] {
			return false
		}
	}
	return true
}

// Summary renders producer coverage for logs.
func Summary(e domain.ManifestEntry) string {
	return strings.Join(e.ReceivedProducers, ",") + " of " + strings.Join(e.ExpectedProducers, ",")
}
