// Package version carries build metadata set with -ldflags, plus a per-process
// instance ID used to tell gate replicas apart in logs and telemetry.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the release tag or commit hash.
	// Set via: -ldflags "-X powergate/internal/version.Version=..."
	Version = "dev"

	// BuildDate is the ISO 8601 UTC build timestamp.
	// Set via: -ldflags "-X powergate/internal/version.BuildDate=..."
	BuildDate = "unknown"

	// GitCommit is the source commit SHA.
	// Set via: -ldflags "-X powergate/internal/version.GitCommit=..."
	GitCommit = "unknown"
)

// Info holds build metadata and runtime identity.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the process's Info. The instance ID and hostname are
// resolved on the first call.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.NewString(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// String formats version info for CLI display.
func (i Info) String() string {
	return fmt.Sprintf("powergate %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}
