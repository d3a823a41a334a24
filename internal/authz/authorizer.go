// Package authz decides whether a job's capability token allows a read or
// write of a filesystem path.
//
// Every decision is computed from the job store and object store at call
// time. Nothing is cached and nothing is written. A job may turn terminal
// between an ALLOW and the transfer that follows it; callers must
// re-canonicalize the path right before doing I/O.
package authz

import (
	"context"
	"errors"
	"fmt"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/canonical"
	"jobfiles/internal/job"
	"jobfiles/internal/token"
)

// Operation is the kind of access requested.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// JobStore is the read side of the job and dataset store.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	GetState(ctx context.Context, jobID string) (job.State, error)
	Inputs(ctx context.Context, jobID string) ([]job.Association, error)
	Outputs(ctx context.Context, jobID string) ([]job.Association, error)
}

// ObjectStore resolves datasets and working directories to physical paths.
type ObjectStore interface {
	DatasetPath(ctx context.Context, ds job.Dataset) (string, error)
	WorkingDirectory(ctx context.Context, jobID string) (string, error)
}

// TokenDecoder verifies capability tokens.
type TokenDecoder interface {
	Decode(tok, expectedKind string) (string, error)
}

// Request is one access request.
type Request struct {
	JobID     string
	Token     string
	Path      string
	Operation Operation
}

// Decision is the outcome of Authorize. Detail is for operators only and
// must not be returned to the requester.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
	Path    canonical.Path // canonical form of the requested path, when computed
	Root    canonical.Path // working directory the path was allowed under; zero for exact entries
}

// Err returns nil for an allowed decision, and otherwise a uniform
// permission error carrying the reason code.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperrors.Forbidden(d.Reason.Code())
}

func deny(r Reason, format string, args ...any) Decision {
	return Decision{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Authorizer answers ALLOW or DENY for job file access requests. It holds
// no mutable state and is safe for concurrent use.
type Authorizer struct {
	tokens TokenDecoder
	jobs   JobStore
	lists  *Builder
}

// New creates an Authorizer.
func New(tokens TokenDecoder, jobs JobStore, objects ObjectStore) *Authorizer {
	return &Authorizer{
		tokens: tokens,
		jobs:   jobs,
		lists:  NewBuilder(jobs, objects),
	}
}

// Authorize evaluates req. Checks run in a fixed order and stop at the
// first failure: token, job identity, job existence, job state, path
// syntax, allow-list membership.
//
// Store failures other than not-found deny with
// ReasonInsufficientPermissions.
func (a *Authorizer) Authorize(ctx context.Context, req Request) Decision {
	if req.Token == "" {
		return deny(ReasonInvalidCapability, "no token presented")
	}
	tokenJobID, err := a.tokens.Decode(req.Token, token.KindJobFiles)
	if err != nil {
		return deny(ReasonInvalidCapability, "token rejected: %v", err)
	}
	if tokenJobID != req.JobID {
		return deny(ReasonInvalidCapability, "token minted for job %q, request is for job %q", tokenJobID, req.JobID)
	}

	if _, err := a.jobs.GetJob(ctx, req.JobID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return deny(ReasonNotFound, "job %q does not exist", req.JobID)
		}
		return deny(ReasonInsufficientPermissions, "loading job: %v", err)
	}

	// Read the state separately so a transition committed after GetJob is
	// still observed.
	state, err := a.jobs.GetState(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return deny(ReasonNotFound, "job %q does not exist", req.JobID)
		}
		return deny(ReasonInsufficientPermissions, "reading job state: %v", err)
	}
	if !job.IsActive(state) {
		return deny(ReasonInsufficientPermissions, "job is not active (state %q)", state)
	}

	if req.Operation != OpRead && req.Operation != OpWrite {
		return deny(ReasonInsufficientPermissions, "unknown operation %q", req.Operation)
	}

	path, err := canonical.Canonicalize(req.Path)
	if err != nil {
		return deny(ReasonInvalidPath, "%v", err)
	}

	list, err := a.lists.Build(ctx, req.JobID, req.Operation)
	if err != nil {
		d := deny(ReasonInsufficientPermissions, "building allow-list: %v", err)
		d.Path = path
		return d
	}
	if !list.Permits(path) {
		d := deny(ReasonInsufficientPermissions, "%s of %q is outside the allow-list (%s)", req.Operation, path, list.describe())
		d.Path = path
		return d
	}

	d := Decision{Allowed: true, Path: path}
	if root, ok := list.Root(); ok && path.Within(root) {
		d.Root = root
	}
	return d
}
