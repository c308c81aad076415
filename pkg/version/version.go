// Package version derives the build identity stamped into log banners,
// health responses, and user-agent strings.
//
// Resolution order: the -ldflags override, then the VCS revision recorded
// in build info, then "dev" for toolchain runs that carry neither.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName names the binary in version strings and log banners.
const AppName = "lighthouse"

// commitOverride is stamped with -ldflags in container builds, where the
// .git directory is not part of the build context.
var commitOverride string

// GitCommit resolves the short commit hash once per process. Builds from a
// locally modified tree carry a -dirty suffix.
var GitCommit = sync.OnceValue(resolveCommit)

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if revision == "" {
		return "dev"
	}
	if modified == "true" {
		return short(revision) + "-dirty"
	}
	return short(revision)
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "lighthouse/<commit>" for banners and user agents.
func Full() string {
	return AppName + "/" + GitCommit()
}
