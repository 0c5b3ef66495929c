// Package version carries the build stamp of the gatewind binary
package version

import (
	"runtime"
	"time"
)

// Set with -ldflags "-X gatewind/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info is the build stamp plus process uptime
type Info struct {
	Version   string
	GitCommit string
	BuildTime string
	GoVersion string
	Platform  string
	Uptime    string
}

// GetInfo returns the build stamp of the running process
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    time.Since(started).Round(time.Second).String(),
	}
}

// String is the one-line form printed by -version
func String() string {
	i := GetInfo()
	return "gatewind " + i.Version + " (" + i.GitCommit + ", built " + i.BuildTime + ", " + i.GoVersion + " " + i.Platform + ")"
}
