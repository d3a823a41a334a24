package objectstore

import (
	"context"
	"fmt"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/job"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// Volume labels identifying working directories owned by this service.
const (
	labelManagedBy = "managed-by"
	labelJobID     = "job-id"
	managedByValue = "jobfiles-service"
	volumePrefix   = "jobfiles-work-"
)

// volumeAPI is the part of the Docker client the Docker backend uses.
type volumeAPI interface {
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Docker keeps each job's working directory in a named Docker volume so
// containerized runners on the same host can mount it. Datasets stay on
// disk.
type Docker struct {
	client   volumeAPI
	datasets *Disk
}

// NewDocker connects to the Docker daemon from the environment
// (DOCKER_HOST etc.) and stores datasets with the given Disk backend.
func NewDocker(datasets *Disk) (*Docker, error) {
	if datasets == nil {
		return nil, fmt.Errorf("objectstore: dataset backend is required")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerWithClient(dockerClient, datasets), nil
}

func newDockerWithClient(c volumeAPI, datasets *Disk) *Docker {
	return &Docker{client: c, datasets: datasets}
}

// VolumeName returns the volume holding jobID's working directory.
func VolumeName(jobID string) string {
	return volumePrefix + jobID
}

// CreateDataset delegates to the disk backend.
func (d *Docker) CreateDataset(ctx context.Context, ds job.Dataset) (string, error) {
	return d.datasets.CreateDataset(ctx, ds)
}

// DatasetPath delegates to the disk backend.
func (d *Docker) DatasetPath(ctx context.Context, ds job.Dataset) (string, error) {
	return d.datasets.DatasetPath(ctx, ds)
}

// CreateWorkingDirectory creates (or adopts) the job's volume and returns
// its host mountpoint.
func (d *Docker) CreateWorkingDirectory(ctx context.Context, jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", apperrors.Validation("job.id", fmt.Sprintf("job ID %q cannot name a volume", jobID))
	}
	v, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: VolumeName(jobID),
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelJobID:     jobID,
		},
	})
	if err != nil {
		return "", apperrors.Internal("docker.createVolume", err)
	}
	if v.Mountpoint == "" {
		return "", apperrors.Internal("docker.createVolume", fmt.Errorf("volume %s has no mountpoint", v.Name))
	}
	slog.Debug("Created working directory volume", "jobId", jobID, "volume", v.Name, "mountpoint", v.Mountpoint)
	return v.Mountpoint, nil
}

// WorkingDirectory resolves the job's volume mountpoint. Volumes that exist
// under the expected name but were not created by this service are ignored.
func (d *Docker) WorkingDirectory(ctx context.Context, jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", apperrors.Validation("job.id", fmt.Sprintf("job ID %q cannot name a volume", jobID))
	}
	v, err := d.client.VolumeInspect(ctx, VolumeName(jobID))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", apperrors.NotFound("working directory", jobID)
		}
		return "", apperrors.Internal("docker.inspectVolume", err)
	}
	if v.Labels[labelManagedBy] != managedByValue || v.Labels[labelJobID] != jobID {
		slog.Warn("Ignoring foreign volume", "jobId", jobID, "volume", v.Name, "labels", v.Labels)
		return "", apperrors.NotFound("working directory", jobID)
	}
	if v.Mountpoint == "" {
		return "", apperrors.Internal("docker.inspectVolume", fmt.Errorf("volume %s has no mountpoint", v.Name))
	}
	return v.Mountpoint, nil
}

// removeWorkingDirectory deletes the job's volume. Missing volumes are not
// an error.
func (d *Docker) removeWorkingDirectory(ctx context.Context, jobID string) error {
	err := d.client.VolumeRemove(ctx, VolumeName(jobID), true)
	if err != nil && !cerrdefs.IsNotFound(err) {
		return apperrors.Internal("docker.removeVolume", err)
	}
	return nil
}

// Ready verifies the daemon is reachable and the dataset root exists.
func (d *Docker) Ready(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return d.datasets.Ready(ctx)
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}
