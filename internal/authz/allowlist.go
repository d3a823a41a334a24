package authz

import (
	"context"
	"fmt"
	"jobfiles/internal/canonical"
	"jobfiles/internal/job"
	"log/slog"
	"slices"
)

// AllowList is the set of paths one job may touch for one operation, as of
// the moment it was built. It is never cached or persisted.
type AllowList struct {
	op      Operation
	entries []canonical.Path
	root    canonical.Path // prefix rule; zero when absent
}

// Operation returns the operation the list was built for.
func (l AllowList) Operation() Operation { return l.op }

// Entries returns the exact-match entries.
func (l AllowList) Entries() []canonical.Path { return slices.Clone(l.entries) }

// Root returns the prefix rule's root and whether one exists.
func (l AllowList) Root() (canonical.Path, bool) { return l.root, !l.root.IsZero() }

// describe summarizes the list for denial details.
func (l AllowList) describe() string {
	root, ok := l.Root()
	if !ok {
		return fmt.Sprintf("%s list: %d files, no working directory", l.Operation(), len(l.Entries()))
	}
	return fmt.Sprintf("%s list: %d files, working directory %s", l.Operation(), len(l.Entries()), root)
}

// Permits reports whether p is an entry or lies below the prefix root.
func (l AllowList) Permits(p canonical.Path) bool {
	if p.IsZero() {
		return false
	}
	if slices.ContainsFunc(l.entries, p.Equal) {
		return true
	}
	return p.Within(l.root)
}

// Builder computes allow-lists from the job store's current associations
// and the object store's current locations.
type Builder struct {
	jobs    JobStore
	objects ObjectStore
}

// NewBuilder creates a Builder.
func NewBuilder(jobs JobStore, objects ObjectStore) *Builder {
	return &Builder{jobs: jobs, objects: objects}
}

// Build returns the allow-list of jobID for op.
//
// Reads may touch input datasets. Writes may touch output datasets and
// anything below the working directory. A dataset or working directory
// that does not resolve contributes nothing. Only failures to enumerate
// associations are returned as errors.
func (b *Builder) Build(ctx context.Context, jobID string, op Operation) (AllowList, error) {
	list := AllowList{op: op}
	logger := slog.With("jobId", jobID, "operation", string(op))

	var (
		assocs []job.Association
		err    error
	)
	switch op {
	case OpRead:
		assocs, err = b.jobs.Inputs(ctx, jobID)
	case OpWrite:
		assocs, err = b.jobs.Outputs(ctx, jobID)
	default:
		return list, fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return list, fmt.Errorf("listing associations: %w", err)
	}

	for _, a := range assocs {
		raw, err := b.objects.DatasetPath(ctx, a.Dataset)
		if err != nil {
			logger.Debug("Dataset unresolved, skipping", "association", a.Name, "datasetId", a.Dataset.ID, "error", err)
			continue
		}
		p, err := canonical.Canonicalize(raw)
		if err != nil {
			logger.Warn("Dataset path not canonical, skipping", "association", a.Name, "path", raw, "error", err)
			continue
		}
		list.entries = append(list.entries, p)
	}

	if op == OpWrite {
		raw, err := b.objects.WorkingDirectory(ctx, jobID)
		if err != nil {
			logger.Debug("Working directory unresolved", "error", err)
			return list, nil
		}
		root, err := canonical.Canonicalize(raw)
		if err != nil {
			logger.Warn("Working directory not canonical", "path", raw, "error", err)
			return list, nil
		}
		list.root = root
	}
	return list, nil
}
