package authz

import (
	"context"
	"errors"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/job"
	"jobfiles/internal/testutil"
	"jobfiles/internal/token"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeObjects maps dataset IDs and job IDs to paths inside a test root.
type fakeObjects struct {
	mu       sync.Mutex
	datasets map[string]string
	workDirs map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		datasets: make(map[string]string),
		workDirs: make(map[string]string),
	}
}

func (f *fakeObjects) DatasetPath(_ context.Context, ds job.Dataset) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.datasets[ds.ID]
	if !ok {
		return "", apperrors.NotFound("dataset", ds.ID)
	}
	return p, nil
}

func (f *fakeObjects) WorkingDirectory(_ context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.workDirs[jobID]
	if !ok {
		return "", apperrors.NotFound("working directory", jobID)
	}
	return p, nil
}

// failingJobs wraps a JobStore and fails selected calls.
type failingJobs struct {
	JobStore
	getJob   error
	getState error
	outputs  error
}

func (f *failingJobs) GetJob(ctx context.Context, id string) (*job.Job, error) {
	if f.getJob != nil {
		return nil, f.getJob
	}
	return f.JobStore.GetJob(ctx, id)
}

func (f *failingJobs) GetState(ctx context.Context, id string) (job.State, error) {
	if f.getState != nil {
		return "", f.getState
	}
	return f.JobStore.GetState(ctx, id)
}

func (f *failingJobs) Outputs(ctx context.Context, id string) ([]job.Association, error) {
	if f.outputs != nil {
		return nil, f.outputs
	}
	return f.JobStore.Outputs(ctx, id)
}

var errStoreDown = errors.New("database is locked")

const (
	testJobID   = "42"
	inputData   = "moo"
	testSecret  = "test-secret-not-for-production"
	otherSecret = "another-secret"
)

type fixture struct {
	root    string
	jobs    *job.MemoryStore
	objects *fakeObjects
	codec   *token.Codec
	authz   *Authorizer

	input   string // input1 dataset path
	output  string // output1 dataset path
	workDir string
	token   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := testutil.TempDir(t)
	f := &fixture{
		root:    root,
		jobs:    job.NewMemoryStore(),
		objects: newFakeObjects(),
		codec:   newCodec(t, testSecret),
		input:   filepath.Join(root, "files", "000", "dataset_1.dat"),
		output:  filepath.Join(root, "files", "000", "dataset_2.dat"),
		workDir: filepath.Join(root, "job_work", "000", testJobID),
	}
	for _, dir := range []string{filepath.Dir(f.input), f.workDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(f.input, []byte(inputData), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.output, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	in := job.Dataset{ID: "1", UUID: "00000000-0000-0000-0000-000000000001"}
	out := job.Dataset{ID: "2", UUID: "00000000-0000-0000-0000-000000000002"}
	f.objects.datasets[in.ID] = f.input
	f.objects.datasets[out.ID] = f.output
	f.objects.workDirs[testJobID] = f.workDir

	f.jobs.Put(&job.Job{
		ID:      testJobID,
		State:   job.StateRunning,
		Handler: "test",
		Inputs:  []job.Association{{Name: "input1", Dataset: in}},
		Outputs: []job.Association{{Name: "output1", Dataset: out}},
	})

	tok, err := f.codec.Encode(testJobID, token.KindJobFiles)
	if err != nil {
		t.Fatal(err)
	}
	f.token = tok
	f.authz = New(f.codec, f.jobs, f.objects)
	return f
}

func newCodec(t *testing.T, secret string) *token.Codec {
	t.Helper()
	signer, err := token.NewKeyedSigner([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token.NewCodec(signer)
}

func (f *fixture) setState(t *testing.T, s job.State) {
	t.Helper()
	if err := f.jobs.SetState(context.Background(), testJobID, s); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) request(path string, op Operation) Request {
	return Request{JobID: testJobID, Token: f.token, Path: path, Operation: op}
}
