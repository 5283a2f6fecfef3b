// Package version carries the build's release and commit identity, stamped
// with -ldflags at build time or recovered from the toolchain's embedded
// build info.
package version

import "runtime/debug"

// Version is the release string. Overridden at build time:
//
//	-ldflags "-X github.com/steveyegge/bullpen/internal/version.Version=v1.2.0"
var Version = "dev"

// Commit is the git commit the binary was built from. Stamped the same way
// as Version; when absent, the vcs.revision from build info fills in.
var Commit = ""

// SetCommit overrides the recorded commit hash.
func SetCommit(hash string) {
	Commit = hash
}

// ShortCommit truncates a commit hash to 12 characters for display.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// String renders "version (commit)" for --version output and startup logs.
func String() string {
	if c := resolveCommitHash(); c != "" {
		return Version + " (" + ShortCommit(c) + ")"
	}
	return Version
}

// resolveCommitHash prefers the stamped Commit and falls back to the
// vcs.revision the toolchain embeds in module builds.
func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return ""
}
