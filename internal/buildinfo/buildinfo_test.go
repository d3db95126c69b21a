package buildinfo

import "testing"

func TestString(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = "0.3.0", "abc1234", "2026-08-29"
	defer func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	}()

	got := String()
	want := "version=0.3.0 commit=abc1234 date=2026-08-29"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
