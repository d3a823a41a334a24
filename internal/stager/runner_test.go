package stager

import (
	"context"
	"errors"
	"jobfiles/internal/api"
	"jobfiles/internal/authz"
	"jobfiles/internal/job"
	"jobfiles/internal/objectstore"
	"jobfiles/internal/testutil"
	"jobfiles/internal/token"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// service is a job files server with one running job, reached over HTTP.
type service struct {
	url     string
	jobs    *job.MemoryStore
	key     string
	input   string
	output  string
	workDir string
}

func newService(t *testing.T) *service {
	t.Helper()
	ctx := context.Background()
	root := testutil.TempDir(t)

	disk, err := objectstore.NewDisk(filepath.Join(root, "files"), filepath.Join(root, "job_work"))
	if err != nil {
		t.Fatal(err)
	}
	in := job.Dataset{ID: "1", UUID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}
	out := job.Dataset{ID: "2", UUID: "6ba7b811-9dad-11d1-80b4-00c04fd430c8"}
	s := &service{jobs: job.NewMemoryStore()}
	if s.input, err = disk.CreateDataset(ctx, in); err != nil {
		t.Fatal(err)
	}
	if s.output, err = disk.CreateDataset(ctx, out); err != nil {
		t.Fatal(err)
	}
	if s.workDir, err = disk.CreateWorkingDirectory(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, s.input, "test input content\n")
	s.jobs.Put(&job.Job{
		ID:      "42",
		State:   job.StateRunning,
		Inputs:  []job.Association{{Name: "input1", Dataset: in}},
		Outputs: []job.Association{{Name: "output1", Dataset: out}},
	})

	signer, err := token.NewKeyedSigner([]byte("test-secret-not-for-production"))
	if err != nil {
		t.Fatal(err)
	}
	codec := token.NewCodec(signer)
	if s.key, err = codec.Encode("42", token.KindJobFiles); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Authorizer: authz.New(codec, s.jobs, disk),
	}))
	t.Cleanup(srv.Close)
	s.url = srv.URL
	return s
}

func (s *service) runner(t *testing.T, workspace string) *Runner {
	t.Helper()
	manifest := &Manifest{
		Server:  s.url,
		JobID:   "42",
		Inputs:  []Transfer{{Remote: s.input, Local: "inputs/input1.dat"}},
		Outputs: []Transfer{
			{Local: "outputs/result.dat", Remote: s.output},
			{Local: "stdout", Remote: filepath.Join(s.workDir, "logs", "stdout")},
		},
	}
	if err := manifest.Validate(); err != nil {
		t.Fatal(err)
	}
	r, err := newRunner(&Config{
		JobKey:        s.key,
		Workspace:     workspace,
		Timeout:       10 * time.Second,
		HTTPTimeout:   5 * time.Second,
		RetryAttempts: 2,
	}, manifest)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRunner_StageAndPublish(t *testing.T) {
	t.Parallel()
	s := newService(t)
	workspace := testutil.TempDir(t)
	testutil.WriteFile(t, filepath.Join(workspace, "outputs", "result.dat"), "result")
	testutil.WriteFile(t, filepath.Join(workspace, "stdout"), "hello\n")

	if err := s.runner(t, workspace).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := testutil.ReadFile(t, filepath.Join(workspace, "inputs", "input1.dat")); got != "test input content\n" {
		t.Errorf("staged input = %q", got)
	}
	if !CheckReady(workspace) {
		t.Error("ready marker missing after staging")
	}
	if got := testutil.ReadFile(t, s.output); got != "result" {
		t.Errorf("published output = %q", got)
	}
	if got := testutil.ReadFile(t, filepath.Join(s.workDir, "logs", "stdout")); got != "hello\n" {
		t.Errorf("published working file = %q", got)
	}
}

func TestRunner_FinishedJobIsDenied(t *testing.T) {
	t.Parallel()
	s := newService(t)
	workspace := testutil.TempDir(t)
	if err := s.jobs.SetState(context.Background(), "42", job.StateOK); err != nil {
		t.Fatal(err)
	}

	err := s.runner(t, workspace).Run(context.Background())

	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Code != 403002 {
		t.Fatalf("Run() error = %v, want DeniedError 403002", err)
	}
	if CheckReady(workspace) {
		t.Error("ready marker written although staging failed")
	}
}

func TestRunner_PublishReportsEveryFailure(t *testing.T) {
	t.Parallel()
	s := newService(t)
	workspace := testutil.TempDir(t)
	r := s.runner(t, workspace)
	r.manifest.Outputs = append(r.manifest.Outputs, Transfer{Local: "stolen", Remote: "/etc/hosts"})
	testutil.WriteFile(t, filepath.Join(workspace, "stolen"), "x")
	testutil.WriteFile(t, filepath.Join(workspace, "stdout"), "hello\n")

	err := r.Publish(context.Background())
	if err == nil {
		t.Fatal("Publish() should report the missing output and the denial")
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Path != "/etc/hosts" {
		t.Errorf("Publish() error = %v, want a denial for /etc/hosts", err)
	}
	if got := testutil.ReadFile(t, filepath.Join(s.workDir, "logs", "stdout")); got != "hello\n" {
		t.Errorf("remaining output not published: %q", got)
	}
}

func TestCheckReady(t *testing.T) {
	t.Parallel()
	dir := testutil.TempDir(t)
	if CheckReady(dir) {
		t.Error("CheckReady should return false when marker doesn't exist")
	}
	if err := os.WriteFile(filepath.Join(dir, ReadyFile), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !CheckReady(dir) {
		t.Error("CheckReady should return true when marker exists")
	}
}

func TestNewRunner_MissingManifest(t *testing.T) {
	t.Parallel()
	cfg := &Config{ManifestPath: filepath.Join(testutil.TempDir(t), "missing.yaml"), JobKey: "k"}
	if _, err := NewRunner(cfg); err == nil {
		t.Error("NewRunner() should fail without a manifest")
	}
}
