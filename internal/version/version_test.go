package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	tests := []struct {
		name   string
		hash   string
		expect string
	}{
		{"full SHA", "abcdef1234567890abcdef1234567890abcdef12", "abcdef123456"},
		{"exactly 12", "abcdef123456", "abcdef123456"},
		{"short hash", "abcdef", "abcdef"},
		{"empty", "", ""},
		{"13 chars", "abcdef1234567", "abcdef123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShortCommit(tt.hash)
			if got != tt.expect {
				t.Errorf("ShortCommit(%q) = %q, want %q", tt.hash, got, tt.expect)
			}
		})
	}
}

func TestSetCommit(t *testing.T) {
	original := Commit
	defer func() { Commit = original }()

	SetCommit("abc123def456")
	if Commit != "abc123def456" {
		t.Errorf("SetCommit did not set Commit; got %q", Commit)
	}
}

func TestResolveCommitHash_WithCommitVar(t *testing.T) {
	original := Commit
	defer func() { Commit = original }()

	Commit = "explicit_commit_hash"
	got := resolveCommitHash()
	if got != "explicit_commit_hash" {
		t.Errorf("resolveCommitHash() = %q, want %q", got, "explicit_commit_hash")
	}
}

func TestString_WithCommit(t *testing.T) {
	origVersion, origCommit := Version, Commit
	defer func() { Version, Commit = origVersion, origCommit }()

	Version = "v1.4.0"
	Commit = "abcdef1234567890abcdef1234567890abcdef12"
	if got := String(); got != "v1.4.0 (abcdef123456)" {
		t.Errorf("String() = %q, want %q", got, "v1.4.0 (abcdef123456)")
	}
}

func TestString_NoStampedCommit(t *testing.T) {
	origVersion, origCommit := Version, Commit
	defer func() { Version, Commit = origVersion, origCommit }()

	Version = "v1.4.0"
	Commit = ""
	// The test binary may or may not carry a vcs.revision; the release
	// string leads either way.
	if got := String(); !strings.HasPrefix(got, "v1.4.0") {
		t.Errorf("String() = %q, want prefix %q", got, "v1.4.0")
	}
}
