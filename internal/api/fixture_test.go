package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"jobfiles/internal/audit"
	"jobfiles/internal/authz"
	"jobfiles/internal/health"
	"jobfiles/internal/job"
	"jobfiles/internal/objectstore"
	"jobfiles/internal/testutil"
	"jobfiles/internal/token"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
)

const (
	testJobID     = "42"
	testInputText = "test input content\n"
	testAPIKey    = "scheduler-api-key"
	testSecret    = "test-secret-not-for-production"
)

// recordingSink keeps every audit record in memory.
type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Record(r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) all() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

// fixture is a running job with one input, one output and a working
// directory, served by a full router over a disk object store.
type fixture struct {
	jobs   *job.MemoryStore
	codec  *token.Codec
	audit  *recordingSink
	router http.Handler

	input   string
	output  string
	workDir string
	key     string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, func(*RouterConfig) {})
}

func newFixtureWith(t *testing.T, configure func(*RouterConfig)) *fixture {
	t.Helper()
	ctx := context.Background()
	root := testutil.TempDir(t)

	disk, err := objectstore.NewDisk(filepath.Join(root, "files"), filepath.Join(root, "job_work"))
	if err != nil {
		t.Fatal(err)
	}
	in := job.Dataset{ID: "1", UUID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}
	out := job.Dataset{ID: "2", UUID: "6ba7b811-9dad-11d1-80b4-00c04fd430c8"}

	f := &fixture{
		jobs:  job.NewMemoryStore(),
		audit: &recordingSink{},
	}
	if f.input, err = disk.CreateDataset(ctx, in); err != nil {
		t.Fatal(err)
	}
	if f.output, err = disk.CreateDataset(ctx, out); err != nil {
		t.Fatal(err)
	}
	if f.workDir, err = disk.CreateWorkingDirectory(ctx, testJobID); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, f.input, testInputText)

	f.jobs.Put(&job.Job{
		ID:      testJobID,
		State:   job.StateRunning,
		Handler: "unknown-handler",
		Inputs:  []job.Association{{Name: "input1", Dataset: in}},
		Outputs: []job.Association{{Name: "output1", Dataset: out}},
	})

	signer, err := token.NewKeyedSigner([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	f.codec = token.NewCodec(signer)
	if f.key, err = f.codec.Encode(testJobID, token.KindJobFiles); err != nil {
		t.Fatal(err)
	}

	cfg := RouterConfig{
		Authorizer: authz.New(f.codec, f.jobs, disk),
		Jobs:       f.jobs,
		Tokens:     f.codec,
		HealthChecker: health.NewChecker(
			health.Check{Name: "jobstore", Checker: f.jobs},
			health.Check{Name: "objectstore", Checker: disk},
		),
		Audit:  f.audit,
		APIKey: testAPIKey,
	}
	configure(&cfg)
	f.router = NewRouter(cfg)
	return f
}

func (f *fixture) setState(t *testing.T, s job.State) {
	t.Helper()
	if err := f.jobs.SetState(context.Background(), testJobID, s); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(jobID, path, key string) *httptest.ResponseRecorder {
	q := url.Values{"path": {path}, "job_key": {key}}
	return f.serve(httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/files?"+q.Encode(), nil))
}

// postMultipart uploads content the way a form-posting client does.
func (f *fixture) postMultipart(t *testing.T, jobID, path, key, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("path", path); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("job_key", key); err != nil {
		t.Fatal(err)
	}
	part, err := mw.CreateFormFile("file", "upload.dat")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(part, content)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+jobID+"/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return f.serve(req)
}

func (f *fixture) postRaw(jobID, path, key, content string) *httptest.ResponseRecorder {
	q := url.Values{"path": {path}, "job_key": {key}}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+jobID+"/files?"+q.Encode(), bytes.NewBufferString(content))
	req.Header.Set("Content-Type", "application/octet-stream")
	return f.serve(req)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func assertDenied(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", w.Code, w.Body.String())
	}
	resp := decodeError(t, w)
	if resp.Code != code {
		t.Errorf("err_code = %d, want %d", resp.Code, code)
	}
	if resp.Error != "permission denied" {
		t.Errorf("error = %q, want the uniform denial message", resp.Error)
	}
}
