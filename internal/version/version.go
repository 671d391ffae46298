// Package version exposes build metadata stamped in via ldflags:
//
//	go build -ldflags "-X github.com/pricewatch/pricewatch/internal/version.Version=1.2.0"
package version

import (
	"fmt"
	"runtime"
)

// Set at build time. Dirty is a string because ldflags can only set strings.
var (
	Version = "0.0.0-dev"
	Commit  = "unknown"
	Date    = "unknown"
	Dirty   = "false"
)

// Info is a snapshot of the build metadata plus the runtime it runs on.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Dirty     bool   `json:"dirty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build and runtime metadata for this binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		Dirty:     Dirty == "true",
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String formats the info for log lines and --version output.
func (i Info) String() string {
	commit := i.Commit
	if i.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s) built %s", i.Version, commit, i.Date)
}

// Short returns just the version, with a -dirty marker when applicable.
func (i Info) Short() string {
	if i.Dirty {
		return i.Version + "-dirty"
	}
	return i.Version
}
