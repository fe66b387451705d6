package buildinfo

import "time"

// Set via -ldflags at build time
var (
	Version    = "dev"
	BuildTime  string // when the binary was compiled
	CommitHash string // short git commit hash
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC()

// Info is the build metadata reported by the health endpoint
type Info struct {
	Version    string `json:"version"`
	BuildTime  string `json:"buildTime,omitempty"`
	CommitHash string `json:"commit,omitempty"`
	StartedAt  string `json:"startedAt"`
	Uptime     string `json:"uptime"`
}

// Current returns the running binary's build metadata
func Current() Info {
	return Info{
		Version:    Version,
		BuildTime:  BuildTime,
		CommitHash: CommitHash,
		StartedAt:  StartTime.Format(time.RFC3339),
		Uptime:     time.Since(StartTime).Truncate(time.Second).String(),
	}
}
