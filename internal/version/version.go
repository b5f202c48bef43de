// Package version reports the running binary's module path and version.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "github.com/blue-goji/uwsgi"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is injected at link time:
//
//	go build -ldflags "-X github.com/blue-goji/uwsgi/internal/version.buildVersion=v1.2.3"
var buildVersion = ""

type stamp struct {
	module  string
	version string
}

var readStamp = sync.OnceValue(func() stamp {
	info, _ := debug.ReadBuildInfo()
	return stampFrom(info)
})

func stampFrom(info *debug.BuildInfo) stamp {
	st := stamp{module: defaultModule, version: unknownVersion}
	if info == nil {
		return st
	}
	if p := strings.TrimSpace(info.Main.Path); p != "" {
		st.module = p
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		st.version = v
	} else if v := vcsPseudoVersion(info.Settings); v != "" {
		st.version = v
	}
	return st
}

// Current prefers the link-time version, then the module version, then a
// pseudo-version derived from VCS stamps.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	return readStamp().version
}

// Module returns the module path from build info when available.
func Module() string {
	return readStamp().module
}

// vcsPseudoVersion renders v0.0.0-<utc time>-<rev12>[+dirty].
func vcsPseudoVersion(settings []debug.BuildSetting) string {
	var rev, at string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.time":
			at = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" || at == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("v0.0.0-")
	b.WriteString(ts.UTC().Format("20060102150405"))
	b.WriteByte('-')
	b.WriteString(rev[:min(len(rev), 12)])
	if dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}
