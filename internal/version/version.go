// Package version reports the brokerd build identity.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const fallbackModule = "pkt.systems/brokerd"

// buildVersion is set via -ldflags "-X pkt.systems/brokerd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
}

var current = sync.OnceValue(func() Info {
	info, _ := debug.ReadBuildInfo()
	return resolve(info, buildVersion)
})

// Get returns the build identity, read once per process.
func Get() Info { return current() }

// Current returns the best available version string.
func Current() string { return current().Version }

// Module returns the module path of the main package.
func Module() string { return current().Module }

func resolve(info *debug.BuildInfo, override string) Info {
	out := Info{Module: fallbackModule, Version: "v0.0.0-unknown"}
	var vcsTime time.Time
	if info != nil {
		out.GoVersion = info.GoVersion
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				vcsTime, _ = time.Parse(time.RFC3339, setting.Value)
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case out.Revision != "" && !vcsTime.IsZero():
		out.Version = pseudoVersion(vcsTime, out.Revision, out.Modified)
	}
	return out
}

// pseudoVersion follows the go command's v0.0.0-yyyymmddhhmmss-abcdefabcdef form.
func pseudoVersion(at time.Time, revision string, modified bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
