package printer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/funnyzak/recproxy/internal/logger"
)

func TestJSONPrinter_PrintInteraction(t *testing.T) {
	p := NewJSONPrinter(logger.Nop())
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	if err := p.PrintInteraction(sampleInteraction()); err != nil {
		t.Fatalf("print interaction failed: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("expected a single JSON line, got %q", line)
	}

	var env map[string]interface{}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if env["type"] != "interaction" {
		t.Fatalf("unexpected type %v", env["type"])
	}
	if env["session_id"] != "session-1" || env["mode"] != "playback" {
		t.Fatalf("unexpected session fields: %v", env)
	}
	if env["matched"] != true {
		t.Fatalf("expected matched=true")
	}
	if env["response_text"] != `{"a":1}` {
		t.Fatalf("unexpected response_text %v", env["response_text"])
	}
	if _, ok := env["request_text"]; ok {
		t.Fatalf("request without content type should not carry request_text")
	}
}

func TestJSONPrinter_NoHTMLEscape(t *testing.T) {
	p := NewJSONPrinter(logger.Nop())
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	it := sampleInteraction()
	it.Error = "<no match>"
	if err := p.PrintInteraction(it); err != nil {
		t.Fatalf("print interaction failed: %v", err)
	}
	if !strings.Contains(buf.String(), "<no match>") {
		t.Fatalf("html characters should not be escaped: %s", buf.String())
	}
}
