package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInfoAndLog(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version = "1.2.3"
	Commit = "abc123"
	Date = "2026-01-02"

	if got := Info(); got != "version=1.2.3 commit=abc123 date=2026-01-02" {
		t.Fatalf("unexpected info: %s", got)
	}

	var buf bytes.Buffer
	origOutput := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	t.Setenv("OPENSHEATH_LOG_FORMAT", "")
	Log("sheathctl")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "SHEATHCTL") || !strings.Contains(got, "version=1.2.3") {
		t.Fatalf("unexpected log output: %s", got)
	}
}
