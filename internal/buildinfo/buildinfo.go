// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
	// Deps maps module paths to versions for the MQTT and WebSocket
	// libraries, when the binary carries module info.
	Deps map[string]string `json:"deps,omitempty"`
}

// reportedDeps are the modules worth naming in version output.
var reportedDeps = []string{
	"github.com/eclipse/paho.golang",
	"github.com/eclipse/paho.mqtt.golang",
	"github.com/gorilla/websocket",
}

// Info returns build and runtime info.
func Info() Build {
	b := Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			for _, want := range reportedDeps {
				if dep.Path == want {
					if b.Deps == nil {
						b.Deps = make(map[string]string)
					}
					b.Deps[dep.Path] = dep.Version
				}
			}
		}
	}
	return b
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("ErgoAlert %s (%s) built %s", Version, GitCommit, BuildTime)
}
