// Package jobstore keeps jobs, datasets and their associations in SQLite.
//
// The scheduler owns state transitions; this service reads them. Every read
// goes to the database so a transition committed by another process is
// visible on the next call.
package jobstore

import (
	"context"
	"fmt"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/job"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	handler     TEXT NOT NULL DEFAULT '',
	create_time INTEGER NOT NULL,
	update_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS datasets (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS job_datasets (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	direction  TEXT NOT NULL CHECK (direction IN ('input', 'output')),
	name       TEXT NOT NULL,
	dataset_id INTEGER NOT NULL REFERENCES datasets(id),
	position   INTEGER NOT NULL,
	PRIMARY KEY (job_id, direction, name)
);

CREATE INDEX IF NOT EXISTS job_datasets_by_position
	ON job_datasets (job_id, direction, position);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// Config for Open.
type Config struct {
	// Path of the database file. Its directory must exist.
	Path string
	// PoolSize defaults to 4.
	PoolSize int
}

// Store is a job store backed by a SQLite connection pool. It is safe for
// concurrent use.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("jobstore: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: opening %s: %w", cfg.Path, err)
	}
	s := &Store{pool: pool, path: cfg.Path}

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Job store opened", "path", cfg.Path, "poolSize", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("jobstore: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("jobstore: applying schema: %w", err)
	}
	return nil
}

// Close closes the pool, waiting for borrowed connections.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("jobstore: closing %s: %w", s.path, err)
	}
	return nil
}

// Ready checks that a connection can run a query.
func (s *Store) Ready(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, "SELECT 1", nil)
}

func (s *Store) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return conn, nil
}

// CreateJob inserts a job. An empty id is replaced with a random UUID. The
// job's ID is returned.
func (s *Store) CreateJob(ctx context.Context, id string, state job.State, handler string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if state == "" {
		state = job.StateNew
	}

	conn, err := s.take(ctx, "jobstore.createJob")
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	now := time.Now().UnixMilli()
	err = sqlitex.Execute(conn,
		"INSERT INTO jobs (id, state, handler, create_time, update_time) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{id, string(state), handler, now, now}})
	if err != nil {
		if isConstraint(err) {
			return "", apperrors.Conflict("job", fmt.Sprintf("job %s already exists", id))
		}
		return "", apperrors.Internal("jobstore.createJob", err)
	}
	return id, nil
}

// SetState records a state transition.
func (s *Store) SetState(ctx context.Context, jobID string, state job.State) error {
	conn, err := s.take(ctx, "jobstore.setState")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE jobs SET state = ?, update_time = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(state), time.Now().UnixMilli(), jobID}})
	if err != nil {
		return apperrors.Internal("jobstore.setState", err)
	}
	if conn.Changes() == 0 {
		return apperrors.NotFound("job", jobID)
	}
	return nil
}

// deleteJob removes a job and its associations. Datasets are kept.
func (s *Store) deleteJob(ctx context.Context, jobID string) error {
	conn, err := s.take(ctx, "jobstore.deleteJob")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM jobs WHERE id = ?", &sqlitex.ExecOptions{Args: []any{jobID}}); err != nil {
		return apperrors.Internal("jobstore.deleteJob", err)
	}
	if conn.Changes() == 0 {
		return apperrors.NotFound("job", jobID)
	}
	return nil
}

// CreateDataset registers a new dataset with a random UUID.
func (s *Store) CreateDataset(ctx context.Context) (job.Dataset, error) {
	conn, err := s.take(ctx, "jobstore.createDataset")
	if err != nil {
		return job.Dataset{}, err
	}
	defer s.pool.Put(conn)

	u := uuid.NewString()
	if err := sqlitex.Execute(conn, "INSERT INTO datasets (uuid) VALUES (?)", &sqlitex.ExecOptions{Args: []any{u}}); err != nil {
		return job.Dataset{}, apperrors.Internal("jobstore.createDataset", err)
	}
	return job.Dataset{ID: strconv.FormatInt(conn.LastInsertRowID(), 10), UUID: u}, nil
}

// AddInput attaches ds to the job as a named input.
func (s *Store) AddInput(ctx context.Context, jobID, name string, ds job.Dataset) error {
	return s.addAssociation(ctx, jobID, job.DirectionInput, name, ds)
}

// AddOutput attaches ds to the job as a named output.
func (s *Store) AddOutput(ctx context.Context, jobID, name string, ds job.Dataset) error {
	return s.addAssociation(ctx, jobID, job.DirectionOutput, name, ds)
}

func (s *Store) addAssociation(ctx context.Context, jobID string, dir job.Direction, name string, ds job.Dataset) (err error) {
	if name == "" {
		return apperrors.Validation("name", "association name is required")
	}
	datasetID, perr := strconv.ParseInt(ds.ID, 10, 64)
	if perr != nil {
		return apperrors.Validation("dataset.id", fmt.Sprintf("invalid dataset ID %q", ds.ID))
	}

	conn, err := s.take(ctx, "jobstore.addAssociation")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return apperrors.Internal("jobstore.addAssociation", err)
	}
	defer endTransaction(&err)

	if exists, qerr := rowExists(conn, "SELECT 1 FROM jobs WHERE id = ?", jobID); qerr != nil {
		return apperrors.Internal("jobstore.addAssociation", qerr)
	} else if !exists {
		return apperrors.NotFound("job", jobID)
	}
	if exists, qerr := rowExists(conn, "SELECT 1 FROM datasets WHERE id = ?", datasetID); qerr != nil {
		return apperrors.Internal("jobstore.addAssociation", qerr)
	} else if !exists {
		return apperrors.NotFound("dataset", ds.ID)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO job_datasets (job_id, direction, name, dataset_id, position)
		VALUES (?, ?, ?, ?, (
			SELECT COALESCE(MAX(position), 0) + 1 FROM job_datasets WHERE job_id = ? AND direction = ?
		))`,
		&sqlitex.ExecOptions{Args: []any{jobID, string(dir), name, datasetID, jobID, string(dir)}})
	if err != nil {
		if isConstraint(err) {
			return apperrors.Conflict("association", fmt.Sprintf("%s %s already exists on job %s", dir, name, jobID))
		}
		return apperrors.Internal("jobstore.addAssociation", err)
	}
	return nil
}

// GetJob loads a job with its associations.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	conn, err := s.take(ctx, "jobstore.getJob")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var j *job.Job
	err = sqlitex.Execute(conn, "SELECT id, state, handler FROM jobs WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{jobID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			j = &job.Job{
				ID:      stmt.ColumnText(0),
				State:   job.State(stmt.ColumnText(1)),
				Handler: stmt.ColumnText(2),
			}
			return nil
		},
	})
	if err != nil {
		return nil, apperrors.Internal("jobstore.getJob", err)
	}
	if j == nil {
		return nil, apperrors.NotFound("job", jobID)
	}

	if j.Inputs, err = associations(conn, jobID, job.DirectionInput); err != nil {
		return nil, apperrors.Internal("jobstore.getJob", err)
	}
	if j.Outputs, err = associations(conn, jobID, job.DirectionOutput); err != nil {
		return nil, apperrors.Internal("jobstore.getJob", err)
	}
	return j, nil
}

// GetState reads the job's current state.
func (s *Store) GetState(ctx context.Context, jobID string) (job.State, error) {
	conn, err := s.take(ctx, "jobstore.getState")
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var (
		state job.State
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT state FROM jobs WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{jobID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			state = job.State(stmt.ColumnText(0))
			found = true
			return nil
		},
	})
	if err != nil {
		return "", apperrors.Internal("jobstore.getState", err)
	}
	if !found {
		return "", apperrors.NotFound("job", jobID)
	}
	return state, nil
}

// Inputs lists the job's input associations in attachment order.
func (s *Store) Inputs(ctx context.Context, jobID string) ([]job.Association, error) {
	return s.listAssociations(ctx, jobID, job.DirectionInput)
}

// Outputs lists the job's output associations in attachment order.
func (s *Store) Outputs(ctx context.Context, jobID string) ([]job.Association, error) {
	return s.listAssociations(ctx, jobID, job.DirectionOutput)
}

func (s *Store) listAssociations(ctx context.Context, jobID string, dir job.Direction) ([]job.Association, error) {
	conn, err := s.take(ctx, "jobstore.listAssociations")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	exists, err := rowExists(conn, "SELECT 1 FROM jobs WHERE id = ?", jobID)
	if err != nil {
		return nil, apperrors.Internal("jobstore.listAssociations", err)
	}
	if !exists {
		return nil, apperrors.NotFound("job", jobID)
	}
	list, err := associations(conn, jobID, dir)
	if err != nil {
		return nil, apperrors.Internal("jobstore.listAssociations", err)
	}
	return list, nil
}

func associations(conn *sqlite.Conn, jobID string, dir job.Direction) ([]job.Association, error) {
	var list []job.Association
	err := sqlitex.Execute(conn, `
		SELECT jd.name, d.id, d.uuid
		FROM job_datasets jd JOIN datasets d ON d.id = jd.dataset_id
		WHERE jd.job_id = ? AND jd.direction = ?
		ORDER BY jd.position`,
		&sqlitex.ExecOptions{
			Args: []any{jobID, string(dir)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				list = append(list, job.Association{
					Name: stmt.ColumnText(0),
					Dataset: job.Dataset{
						ID:   strconv.FormatInt(stmt.ColumnInt64(1), 10),
						UUID: stmt.ColumnText(2),
					},
				})
				return nil
			},
		})
	return list, err
}

func rowExists(conn *sqlite.Conn, query string, arg any) (bool, error) {
	var found bool
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func isConstraint(err error) bool {
	return sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint
}
