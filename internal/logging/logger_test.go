package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	t.Run("no file", func(t *testing.T) {
		l, err := NewLogger(LogLevelInfo, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer l.Close()
		if l.level != LogLevelInfo {
			t.Errorf("level = %d, want %d", l.level, LogLevelInfo)
		}
		if l.file != nil {
			t.Error("file should be nil when no path given")
		}
	})

	t.Run("with file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.log")
		l, err := NewLogger(LogLevelDebug, path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer l.Close()
		if l.file == nil {
			t.Error("file should not be nil")
		}
		if l.fileLog == nil {
			t.Error("fileLog should not be nil")
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		_, err := NewLogger(LogLevelInfo, "/nonexistent/dir/test.log")
		if err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestNewLoggerWithOptions(t *testing.T) {
	l, err := NewLoggerWithOptions(LogLevelVerbose, "", "json", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if l.format != "json" {
		t.Errorf("format = %q, want %q", l.format, "json")
	}
	if l.logEvery != 5 {
		t.Errorf("logEvery = %d, want 5", l.logEvery)
	}

	l, err = NewLoggerWithOptions(LogLevelInfo, "", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.format != "text" || l.logEvery != 1 {
		t.Errorf("defaults = %q/%d, want text/1", l.format, l.logEvery)
	}

	if _, err := NewLoggerWithOptions(LogLevelInfo, "", "xml", 1); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"", LogLevelInfo, false},
		{"silent", LogLevelSilent, false},
		{"ERROR", LogLevelError, false},
		{"verbose", LogLevelVerbose, false},
		{" debug ", LogLevelDebug, false},
		{"trace", LogLevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestLoggerLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	var stderr bytes.Buffer
	l, err := New(Options{Level: LogLevelInfo, File: path, Stderr: &stderr, Stdout: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Error("error msg")
	l.Info("info msg")
	l.Verbose("verbose msg")
	l.Debug("debug msg")
	l.Close()

	content := readLog(t, path)
	if !strings.Contains(content, "error msg") {
		t.Error("log should contain error message")
	}
	if !strings.Contains(content, "info msg") {
		t.Error("log should contain info message")
	}
	if strings.Contains(content, "verbose msg") {
		t.Error("log should NOT contain verbose message at Info level")
	}
	if strings.Contains(content, "debug msg") {
		t.Error("log should NOT contain debug message at Info level")
	}
	if !strings.Contains(stderr.String(), "error msg") {
		t.Error("errors should always reach stderr")
	}
}

func TestLoggerSilentLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelSilent, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Error("should not appear")
	l.Info("should not appear")
	l.Close()

	if len(strings.TrimSpace(readLog(t, path))) > 0 {
		t.Error("silent logger should produce no output")
	}
}

func TestLoggerConsoleSampling(t *testing.T) {
	var stdout bytes.Buffer
	l, err := New(Options{Level: LogLevelVerbose, LogEvery: 3, Stdout: &stdout})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 9; i++ {
		l.Info("sampled %d", i)
	}
	if l.counter != 9 {
		t.Errorf("counter = %d, want 9", l.counter)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("console should receive 3 of 9 messages, got %d", len(lines))
	}
}

func TestLoggerInfoStaysOffConsole(t *testing.T) {
	var stdout bytes.Buffer
	l, err := New(Options{Level: LogLevelInfo, Stdout: &stdout})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Info("quiet")
	if stdout.Len() != 0 {
		t.Errorf("info should not reach stdout below verbose, got %q", stdout.String())
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(Options{Level: LogLevelError, File: path, Format: "json", Stderr: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.With("conn", "127.0.0.1:5000").Error("test message")
	l.Close()

	content := readLog(t, path)
	if !strings.Contains(content, `"level":"error"`) {
		t.Errorf("JSON output should contain level, got: %s", content)
	}
	if !strings.Contains(content, "test message") {
		t.Errorf("JSON output should contain message, got: %s", content)
	}
	if !strings.Contains(content, `"conn":"127.0.0.1:5000"`) {
		t.Errorf("JSON output should contain With fields, got: %s", content)
	}
}

func TestWithSharesLevel(t *testing.T) {
	l, _ := NewLogger(LogLevelInfo, "")
	child := l.With("session", 1)
	l.SetLevel(LogLevelDebug)
	if child.GetLevel() != LogLevelDebug {
		t.Errorf("child level = %s, want debug", child.GetLevel())
	}
	if len(child.fields) != 2 || len(l.fields) != 0 {
		t.Errorf("unexpected fields parent=%v child=%v", l.fields, child.fields)
	}
}

func TestLogRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelVerbose, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.sink.stdout = newBackend(&bytes.Buffer{}, "text", false)

	l.LogRequest("Read_Tag", "PartCount", 0x00, 1234*time.Microsecond, nil)
	l.LogRequest("Write_Tag", "Missing", 0x05, 5678*time.Microsecond, errors.New("unknown tag"))
	l.Close()

	content := readLog(t, path)
	for _, want := range []string{"OK Read_Tag on PartCount", "FAILED Write_Tag on Missing", "1.234ms", "status: 0x05", "unknown tag"} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q, got: %s", want, content)
		}
	}
}

func TestLogHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelDebug, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.sink.stdout = newBackend(&bytes.Buffer{}, "text", false)

	l.LogHex("packet", []byte{0xDE, 0xAD, 0xBE, 0xEF})
	l.Close()

	if content := readLog(t, path); !strings.Contains(content, "de ad be ef") {
		t.Errorf("should contain hex dump, got: %s", content)
	}
}

func TestLogHex_SkipsAtLowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := NewLogger(LogLevelInfo, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.LogHex("packet", []byte{0xDE, 0xAD})
	l.Close()

	if len(strings.TrimSpace(readLog(t, path))) > 0 {
		t.Error("LogHex at Info level should produce no output")
	}
}

func TestClose_NilFile(t *testing.T) {
	l, _ := NewLogger(LogLevelInfo, "")
	if err := l.Close(); err != nil {
		t.Errorf("Close with nil file should not error: %v", err)
	}
}
