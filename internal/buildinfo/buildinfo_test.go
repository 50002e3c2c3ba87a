package buildinfo

import "testing"

func TestSummary(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = oldVersion, oldCommit, oldDate })

	Version, Commit, BuildDate = "1.2.0", "abc123", "2026-10-01"
	if got, want := Summary(), "Version: 1.2.0, Commit: abc123, BuiltAt: 2026-10-01"; got != want {
		t.Fatalf("Summary() = %q, want %q", got, want)
	}
}
