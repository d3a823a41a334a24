// Package objectstore maps logical datasets and jobs to physical paths.
//
// Backends only resolve and create locations. Whether a job may touch a
// location is decided elsewhere.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/job"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// jobIDPattern keeps job IDs usable as a single path segment.
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Disk stores datasets by UUID under one root and job working directories
// under another:
//
//	<files>/<uuid[0:3]>/dataset_<uuid>.dat
//	<job_work>/<id[0:3]>/<id>
type Disk struct {
	filesDir   string
	jobWorkDir string
}

// NewDisk creates both roots if needed.
func NewDisk(filesDir, jobWorkDir string) (*Disk, error) {
	if filesDir == "" || jobWorkDir == "" {
		return nil, fmt.Errorf("objectstore: files and job work directories are required")
	}
	for _, dir := range []string{filesDir, jobWorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("objectstore: creating %s: %w", dir, err)
		}
	}
	return &Disk{filesDir: filesDir, jobWorkDir: jobWorkDir}, nil
}

func (d *Disk) datasetFile(ds job.Dataset) (string, error) {
	id, err := uuid.Parse(ds.UUID)
	if err != nil {
		return "", apperrors.Validation("dataset.uuid", fmt.Sprintf("dataset %s: invalid uuid %q", ds.ID, ds.UUID))
	}
	s := id.String()
	return filepath.Join(d.filesDir, s[:3], "dataset_"+s+".dat"), nil
}

func (d *Disk) workDir(jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", apperrors.Validation("job.id", fmt.Sprintf("job ID %q cannot name a directory", jobID))
	}
	shard := jobID
	if len(shard) > 3 {
		shard = shard[:3]
	}
	return filepath.Join(d.jobWorkDir, shard, jobID), nil
}

// CreateDataset creates the dataset's backing file (empty) if it does not
// exist and returns its path.
func (d *Disk) CreateDataset(ctx context.Context, ds job.Dataset) (string, error) {
	path, err := d.datasetFile(ds)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.Internal("objectstore.createDataset", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperrors.Internal("objectstore.createDataset", err)
	}
	if err := f.Close(); err != nil {
		return "", apperrors.Internal("objectstore.createDataset", err)
	}
	return path, nil
}

// DatasetPath returns the physical path of an existing dataset.
func (d *Disk) DatasetPath(ctx context.Context, ds job.Dataset) (string, error) {
	path, err := d.datasetFile(ds)
	if err != nil {
		return "", err
	}
	if err := exists(path); err != nil {
		return "", notFoundOr("dataset", ds.ID, "objectstore.datasetPath", err)
	}
	return path, nil
}

// CreateWorkingDirectory creates the job's working directory and returns it.
func (d *Disk) CreateWorkingDirectory(ctx context.Context, jobID string) (string, error) {
	dir, err := d.workDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Internal("objectstore.createWorkingDirectory", err)
	}
	return dir, nil
}

// WorkingDirectory returns the job's working directory if it was created.
func (d *Disk) WorkingDirectory(ctx context.Context, jobID string) (string, error) {
	dir, err := d.workDir(jobID)
	if err != nil {
		return "", err
	}
	if err := exists(dir); err != nil {
		return "", notFoundOr("working directory", jobID, "objectstore.workingDirectory", err)
	}
	return dir, nil
}

// Ready checks that both roots are still present.
func (d *Disk) Ready(ctx context.Context) error {
	for _, dir := range []string{d.filesDir, d.jobWorkDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("objectstore: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("objectstore: %s is not a directory", dir)
		}
	}
	return nil
}

func exists(path string) error {
	_, err := os.Stat(path)
	return err
}

func notFoundOr(resource, id, op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.NotFound(resource, id)
	}
	return apperrors.Internal(op, err)
}
