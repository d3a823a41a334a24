package stager

import (
	"bytes"
	"fmt"
	"jobfiles/internal/apperrors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transfer pairs a path on the job files service with a path in the local
// workspace. Remote paths are absolute server paths; local paths are
// relative to the workspace.
type Transfer struct {
	Remote string `yaml:"remote"`
	Local  string `yaml:"local"`
}

// Manifest lists the files a job stages in before it runs and publishes
// after it finishes.
type Manifest struct {
	Server  string     `yaml:"server"`
	JobID   string     `yaml:"job_id"`
	Inputs  []Transfer `yaml:"inputs"`
	Outputs []Transfer `yaml:"outputs"`
}

// LoadManifest reads and validates a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a YAML manifest. Unknown keys are rejected so a
// misspelled section does not silently skip transfers.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, apperrors.Validation("manifest", fmt.Sprintf("parsing manifest: %v", err))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for a usable server, a job ID and well-formed
// transfer paths.
func (m *Manifest) Validate() error {
	if err := validateURL(m.Server); err != nil {
		return apperrors.Validation("server", fmt.Sprintf("invalid server: %v", err))
	}
	if m.JobID == "" {
		return apperrors.Validation("job_id", "job_id is required")
	}
	for i, t := range m.Inputs {
		if err := t.validate(fmt.Sprintf("inputs[%d]", i)); err != nil {
			return err
		}
	}
	for i, t := range m.Outputs {
		if err := t.validate(fmt.Sprintf("outputs[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (t Transfer) validate(field string) error {
	if t.Remote == "" {
		return apperrors.Validation(field+".remote", field+": remote is required")
	}
	if !filepath.IsAbs(t.Remote) {
		return apperrors.Validation(field+".remote", field+": remote must be an absolute server path")
	}
	if t.Local == "" {
		return apperrors.Validation(field+".local", field+": local is required")
	}
	if err := validateLocal(t.Local); err != nil {
		return apperrors.Validation(field+".local", fmt.Sprintf("%s: invalid local: %v", field, err))
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// validateLocal keeps local paths inside the workspace.
func validateLocal(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, not absolute")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}
