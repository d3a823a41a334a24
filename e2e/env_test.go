//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"io"
	"jobfiles/internal/api"
	"jobfiles/internal/audit"
	"jobfiles/internal/authz"
	"jobfiles/internal/health"
	"jobfiles/internal/job"
	"jobfiles/internal/jobstore"
	"jobfiles/internal/objectstore"
	"jobfiles/internal/observability"
	"jobfiles/internal/testutil"
	"jobfiles/internal/token"
	"jobfiles/pkg/backoff"
	"jobfiles/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	apiKey   = "e2e-api-key"
	auditKey = "e2e-audit-key"
	secret   = "e2e-token-secret"
)

// objectStore is the surface both backends share.
type objectStore interface {
	authz.ObjectStore
	CreateDataset(ctx context.Context, ds job.Dataset) (string, error)
	CreateWorkingDirectory(ctx context.Context, jobID string) (string, error)
	Ready(ctx context.Context) error
}

// receiver collects audit events and checks their signatures.
type receiver struct {
	mu       sync.Mutex
	events   []*cloudevent.CloudEvent
	unsigned int
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var event cloudevent.CloudEvent
	if err := json.Unmarshal(body, &event); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !cloudevent.VerifySignature(body, auditKey, r.Header.Get(cloudevent.SignatureHeader)) {
		rc.unsigned++
	}
	rc.events = append(rc.events, &event)
	w.WriteHeader(http.StatusAccepted)
}

func (rc *receiver) snapshot() ([]*cloudevent.CloudEvent, int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]*cloudevent.CloudEvent(nil), rc.events...), rc.unsigned
}

// env is a complete service: SQLite job store, the configured object store
// backend, a signed audit webhook and the HTTP router.
type env struct {
	url      string
	store    *jobstore.Store
	objects  objectStore
	codec    *token.Codec
	receiver *receiver
}

// newEnv starts a service. E2E_OBJECT_STORE=docker keeps working
// directories in Docker volumes and needs a reachable daemon.
func newEnv(tb testing.TB) *env {
	tb.Helper()
	ctx := context.Background()
	root := testutil.TempDir(tb)

	store, err := jobstore.Open(ctx, jobstore.Config{Path: filepath.Join(root, "jobs.db")})
	if err != nil {
		tb.Fatalf("Failed to open job store: %v", err)
	}
	tb.Cleanup(func() { store.Close() })

	disk, err := objectstore.NewDisk(filepath.Join(root, "files"), filepath.Join(root, "job_work"))
	if err != nil {
		tb.Fatal(err)
	}
	var objects objectStore = disk
	if os.Getenv("E2E_OBJECT_STORE") == "docker" {
		docker, err := objectstore.NewDocker(disk)
		if err != nil {
			tb.Fatalf("Failed to connect to Docker: %v", err)
		}
		tb.Cleanup(func() { docker.Close() })
		objects = docker
	}

	signer, err := token.NewKeyedSigner([]byte(secret))
	if err != nil {
		tb.Fatal(err)
	}
	codec := token.NewCodec(signer)

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		tb.Fatal(err)
	}

	rc := &receiver{}
	auditServer := httptest.NewServer(rc)
	tb.Cleanup(auditServer.Close)
	webhook, err := audit.NewWebhook(audit.Config{
		URL:   auditServer.URL,
		Key:   auditKey,
		Retry: backoff.Policy{Initial: 10 * time.Millisecond, MaxAttempts: 3},
	}, metrics)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		webhook.Close(closeCtx)
	})

	router := api.NewRouter(api.RouterConfig{
		Authorizer: authz.New(codec, store, objects),
		Jobs:       store,
		Tokens:     codec,
		Metrics:    metrics,
		HealthChecker: health.NewChecker(
			health.Check{Name: "jobstore", Checker: store},
			health.Check{Name: "objectstore", Checker: objects},
			health.Check{Name: "audit", Checker: webhook, Optional: true},
		),
		Audit:  webhook,
		APIKey: apiKey,
	})
	server := httptest.NewServer(router)
	tb.Cleanup(server.Close)

	return &env{url: server.URL, store: store, objects: objects, codec: codec, receiver: rc}
}

// testJob is a job with one input, one output and a working directory.
type testJob struct {
	id      string
	input   string
	output  string
	workDir string
}

func (e *env) createJob(tb testing.TB, state job.State, content string) *testJob {
	tb.Helper()
	ctx := context.Background()

	id, err := e.store.CreateJob(ctx, "", state, "unknown-handler")
	if err != nil {
		tb.Fatal(err)
	}
	j := &testJob{id: id}

	in, err := e.store.CreateDataset(ctx)
	if err != nil {
		tb.Fatal(err)
	}
	out, err := e.store.CreateDataset(ctx)
	if err != nil {
		tb.Fatal(err)
	}
	if j.input, err = e.objects.CreateDataset(ctx, in); err != nil {
		tb.Fatal(err)
	}
	if j.output, err = e.objects.CreateDataset(ctx, out); err != nil {
		tb.Fatal(err)
	}
	testutil.WriteFile(tb, j.input, content)

	if err := e.store.AddInput(ctx, id, "input1", in); err != nil {
		tb.Fatal(err)
	}
	if err := e.store.AddOutput(ctx, id, "output1", out); err != nil {
		tb.Fatal(err)
	}
	if j.workDir, err = e.objects.CreateWorkingDirectory(ctx, id); err != nil {
		tb.Fatal(err)
	}
	return j
}

func (e *env) setState(tb testing.TB, j *testJob, state job.State) {
	tb.Helper()
	if err := e.store.SetState(context.Background(), j.id, state); err != nil {
		tb.Fatal(err)
	}
}
