// Package buildinfo identifies the running chatty binary to people (the
// version command and startup log), to peers (the HTTP User-Agent and
// iCalendar PRODID) and to the health endpoint.
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Stamped with -ldflags "-X github.com/nugget/chatty/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build is what `chatty version -o json` prints.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current describes this process.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime is reported by /_health and the MQTT uptime sensor.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound request made through httpkit.
// weather.gov rejects requests without one.
func UserAgent() string {
	return fmt.Sprintf("chatty/%s (+https://github.com/nugget/chatty)", Version)
}

// ProductID is the PRODID written into calendar objects chatty creates.
func ProductID() string {
	return "-//chatty//" + Version + "//EN"
}

// LogAttr groups the build stamp for the "starting chatty" record.
func LogAttr() slog.Attr {
	return slog.Group("build",
		slog.String("version", Version),
		slog.String("commit", GitCommit),
		slog.String("built", BuildTime),
	)
}

// String is the first line of `chatty version`.
func String() string {
	return fmt.Sprintf("Chatty %s (%s) built %s", Version, GitCommit, BuildTime)
}
