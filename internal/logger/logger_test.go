package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func resetLogger() {
	Init(Options{})
}

// --- Init Tests ---

func TestInit_Levels(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantDebug bool
		wantInfo  bool
		wantError bool
	}{
		{"default", Options{}, false, true, true},
		{"debug", Options{Debug: true}, true, true, true},
		{"quiet", Options{Quiet: true}, false, false, true},
		{"quiet overrides debug", Options{Debug: true, Quiet: true}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.opts.Output = buf
			Init(tt.opts)
			defer resetLogger()

			Debug("strategy probe")
			Info("note extracted")
			Error("tab load failed")

			out := buf.String()
			if got := strings.Contains(out, "strategy probe"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(out, "note extracted"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(out, "tab load failed"); got != tt.wantError {
				t.Errorf("error logged = %v, want %v", got, tt.wantError)
			}
		})
	}
}

func TestInit_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{JSON: true, Output: buf})
	defer resetLogger()

	Info("cache hit", "url", "https://www.xiaohongshu.com/discovery/item/abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, output %q", err, buf.String())
	}
	if entry["msg"] != "cache hit" {
		t.Errorf("msg = %v, want cache hit", entry["msg"])
	}
	if entry["url"] != "https://www.xiaohongshu.com/discovery/item/abc" {
		t.Errorf("url = %v", entry["url"])
	}
}

func TestInit_CustomLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	custom := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Init(Options{Logger: custom, Quiet: true})
	defer resetLogger()

	Debug("custom logger wins")
	if !strings.Contains(buf.String(), "custom logger wins") {
		t.Error("custom logger should override level options")
	}
}

func TestSetLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	SetLogger(slog.New(slog.NewTextHandler(buf, nil)))
	defer resetLogger()

	Warn("origin not allowed", "origin", "https://evil.example")
	if !strings.Contains(buf.String(), "origin=https://evil.example") {
		t.Errorf("output = %q, want origin attribute", buf.String())
	}
}

// --- With / Component Tests ---

func TestComponent_TagsOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{Output: buf})
	defer resetLogger()

	Component(Coordinator).Info("message received", "type", "PING")

	out := buf.String()
	if !strings.Contains(out, "component=coordinator") {
		t.Errorf("output = %q, want component attribute", out)
	}
	if !strings.Contains(out, "type=PING") {
		t.Errorf("output = %q, want type attribute", out)
	}
}

func TestInit_DebugComponents(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantCoord bool
		wantAgent bool
		wantInfo  bool
	}{
		{"only coordinator", Options{DebugComponents: []string{Coordinator}}, true, false, true},
		{"debug wins", Options{Debug: true, DebugComponents: []string{Coordinator}}, true, true, true},
		{"quiet wins", Options{Quiet: true, DebugComponents: []string{Coordinator}}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.opts.Output = buf
			Init(tt.opts)
			defer resetLogger()

			Component(Coordinator).With("id", "m1").Debug("cache miss")
			Component(Agent).Debug("strategy skipped")
			Component(Agent).Info("note extracted")

			out := buf.String()
			if got := strings.Contains(out, "cache miss"); got != tt.wantCoord {
				t.Errorf("coordinator debug logged = %v, want %v", got, tt.wantCoord)
			}
			if got := strings.Contains(out, "strategy skipped"); got != tt.wantAgent {
				t.Errorf("agent debug logged = %v, want %v", got, tt.wantAgent)
			}
			if got := strings.Contains(out, "note extracted"); got != tt.wantInfo {
				t.Errorf("agent info logged = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestWith_ReturnsLoggerWithAttrs(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{Output: buf})
	defer resetLogger()

	With("tab", "t1").Info("agent injected")
	if !strings.Contains(buf.String(), "tab=t1") {
		t.Errorf("output = %q, want tab attribute", buf.String())
	}
}

// --- Context Tests ---

func TestContextVariants(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{Debug: true, Output: buf})
	defer resetLogger()

	ctx := context.Background()
	DebugContext(ctx, "debug ctx")
	InfoContext(ctx, "info ctx")
	WarnContext(ctx, "warn ctx")
	ErrorContext(ctx, "error ctx")

	for _, msg := range []string{"debug ctx", "info ctx", "warn ctx", "error ctx"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("output missing %q", msg)
		}
	}
}
