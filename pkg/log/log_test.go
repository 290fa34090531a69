package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"err", LevelError, false},
		{"fatal", LevelFatal, false},
		{"off", LevelOff, false},
		{"none", LevelOff, false},
		{" info ", LevelInfo, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelWarn, Output: &buf})

	l.Debug(CategoryTransport, "not shown")
	l.Info(CategoryTransport, "not shown either")
	l.Warn(CategoryTransport, "shown")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("suppressed entries leaked: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn entry missing: %q", out)
	}
}

func TestPerCategoryLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		DefaultLevel: LevelError,
		CategoryLevels: map[Category]Level{
			CategoryCodec: LevelDebug,
		},
		Output: &buf,
	})

	l.Debug(CategoryCodec, "codec detail")
	l.Debug(CategoryTransport, "transport detail")

	out := buf.String()
	if !strings.Contains(out, "codec detail") {
		t.Errorf("codec debug entry missing: %q", out)
	}
	if strings.Contains(out, "transport detail") {
		t.Errorf("transport debug entry leaked: %q", out)
	}
}

func TestTextFormatFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf})

	l.Transport().Info("packet sent", "bytes", 42, "type", "PRELOGIN")

	out := buf.String()
	for _, want := range []string{"INFO", "[transport]", "packet sent", "bytes=42", "type=PRELOGIN"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestErrorEntry(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf})

	l.Transport().Error("read failed", errors.New("connection reset"))

	if !strings.Contains(buf.String(), `error="connection reset"`) {
		t.Errorf("error not rendered: %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, Format: FormatJSON})

	l.Codec().Info("value encoded", "digits", 5)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v: %q", err, buf.String())
	}
	if entry["message"] != "value encoded" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["category"] != "codec" {
		t.Errorf("category = %v", entry["category"])
	}
	fields, ok := entry["fields"].(map[string]interface{})
	if !ok || fields["digits"] != float64(5) {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestFieldLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf})

	fl := l.Transport().WithFields("conn_id", "abc-123")
	fl.Info("shim created", "peer", "10.0.0.1:1433")

	out := buf.String()
	if !strings.Contains(out, "conn_id=abc-123") {
		t.Errorf("preset field missing: %q", out)
	}
	if !strings.Contains(out, "peer=10.0.0.1:1433") {
		t.Errorf("extra field missing: %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf})

	l.SetLevel(CategoryTransport, LevelOff)
	l.Transport().Error("should be silent", errors.New("x"))
	if buf.Len() != 0 {
		t.Errorf("OFF category still logged: %q", buf.String())
	}

	l.SetLevel(CategoryTransport, LevelDebug)
	l.Transport().Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("re-enabled category not logging: %q", buf.String())
	}
}

func TestAsyncLogging(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, AsyncBuffer: 16})

	for i := 0; i < 10; i++ {
		l.System().Info("async entry", "n", i)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := strings.Count(buf.String(), "async entry"); got != 10 {
		t.Errorf("flushed %d entries, want 10", got)
	}
	logged, _ := l.Stats()
	if logged != 10 {
		t.Errorf("Stats logged = %d, want 10", logged)
	}
}
