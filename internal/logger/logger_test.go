package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestLevelRoundTrip(t *testing.T) {
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel(debug): %v", err)
	}
	if got := Level(); got != "DEBUG" {
		t.Fatalf("Level() = %q, want DEBUG", got)
	}
	if err := SetLevel("nope"); err == nil {
		t.Fatal("SetLevel(nope) should fail")
	}
	if err := SetLevel("info"); err != nil {
		t.Fatalf("SetLevel(info): %v", err)
	}
}

func TestJSONOutputAndFields(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf)
	defer UseWriter(io.Discard)

	l := WithFlow(WithDomain(Logger(), "/dev/shm/mxl"), "5fbec3b1-1b0f-417d-9059-8b94a47197ed")
	l.Info("flow created", "grain_count", 16)

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, line)
	}
	if rec["msg"] != "flow created" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["domain"] != "/dev/shm/mxl" {
		t.Errorf("domain = %v", rec["domain"])
	}
	if rec["flow_id"] != "5fbec3b1-1b0f-417d-9059-8b94a47197ed" {
		t.Errorf("flow_id = %v", rec["flow_id"])
	}
	if rec["grain_count"] != float64(16) {
		t.Errorf("grain_count = %v", rec["grain_count"])
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf)
	defer UseWriter(io.Discard)

	if err := SetLevel("info"); err != nil {
		t.Fatal(err)
	}
	Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug record emitted at info level: %q", buf.String())
	}
	Warn("visible")
	if buf.Len() == 0 {
		t.Error("warn record missing")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		want string
	}{
		{"debug", true, "DEBUG"},
		{"INFO", true, "INFO"},
		{"warning", true, "WARN"},
		{"err", true, "ERROR"},
		{"verbose", false, ""},
	}
	for _, c := range cases {
		lvl, ok := parseLevel(c.in)
		if ok != c.ok {
			t.Errorf("parseLevel(%q) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && lvl.String() != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.in, lvl, c.want)
		}
	}
}
