package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("JOBFILES_TEST_STRING", "custom")
	t.Setenv("JOBFILES_TEST_EMPTY", "")

	if got := GetEnv("JOBFILES_TEST_STRING", "default"); got != "custom" {
		t.Errorf("GetEnv(set) = %q", got)
	}
	if got := GetEnv("JOBFILES_TEST_EMPTY", "default"); got != "default" {
		t.Errorf("GetEnv(empty) = %q, empty should fall back to the default", got)
	}
	if got := GetEnv("JOBFILES_TEST_UNSET", "default"); got != "default" {
		t.Errorf("GetEnv(unset) = %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 4},
		{"7", 7},
		{"-1", -1},
		{"seven", 4},
		{"1.5", 4},
	}
	for _, tt := range tests {
		t.Setenv("STAGE_RETRIES_TEST", tt.value)
		if got := GetIntEnv("STAGE_RETRIES_TEST", 4); got != tt.want {
			t.Errorf("GetIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestGetDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Minute},
		{"30s", 30 * time.Second},
		{"100ms", 100 * time.Millisecond},
		{"1h30m", 90 * time.Minute},
		{"30", 5 * time.Minute},
		{"soon", 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("STAGE_TIMEOUT_TEST", tt.value)
		if got := GetDurationEnv("STAGE_TIMEOUT_TEST", 5*time.Minute); got != tt.want {
			t.Errorf("GetDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "4096", want: 4096},
		{in: "4k", want: 4096},
		{in: "512MiB", want: 512 << 20},
		{in: "1GB", want: 1 << 30},
		{in: " 2g ", want: 2 << 30},
		{in: "", wantErr: true},
		{in: "lots", wantErr: true},
		{in: "-1k", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "token_secret")
	if err := os.WriteFile(path, []byte("  my-secret-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := GetSecretFile(path); got != "my-secret-value" {
		t.Errorf("GetSecretFile() = %q, want trimmed value", got)
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("GetSecretFile(\"\") = %q", got)
	}
	if got := GetSecretFile(filepath.Join(dir, "missing")); got != "" {
		t.Errorf("GetSecretFile(missing) = %q", got)
	}
}
