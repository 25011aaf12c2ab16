package debug

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogAt_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetDebugOutput(&buf)
	defer SetDebugOutput(nil)

	SetLevel(LevelWarn)
	LogCache("this is suppressed: %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected no output at LevelWarn for a LevelDebug call, got %q", buf.String())
	}

	Warn("CACHE", "disk write failed: %v", "io error")
	if !strings.Contains(buf.String(), "disk write failed: io error") {
		t.Fatalf("expected warning to be logged, got %q", buf.String())
	}
}

func TestLogAt_SuppressedInMCPMode(t *testing.T) {
	var buf bytes.Buffer
	SetDebugOutput(&buf)
	defer SetDebugOutput(nil)
	SetLevel(LevelDebug)

	SetMCPMode(true)
	defer SetMCPMode(false)

	LogWorker("task %s dispatched", "t1")
	if buf.Len() != 0 {
		t.Fatalf("expected no output in MCP mode, got %q", buf.String())
	}
}

func TestFatal_ReturnsFormattedError(t *testing.T) {
	SetMCPMode(true)
	defer SetMCPMode(false)

	err := Fatal("backend %s unreachable", "graphsql")
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if !strings.Contains(err.Error(), "graphsql unreachable") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestInitDebugLogFile_CreatesAndCloses(t *testing.T) {
	path, err := InitDebugLogFile()
	if err != nil {
		t.Fatalf("InitDebugLogFile failed: %v", err)
	}
	if path == "" {
		t.Fatal("expected non-empty log path")
	}
	if err := CloseDebugLog(); err != nil {
		t.Fatalf("CloseDebugLog failed: %v", err)
	}
}
