package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"identity": "lifi-across-1", "cost": "-4"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "json", Select: []string{"identity"}, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["identity"] != "lifi-across-1" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["cost"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderSelectDottedPath(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data:    map[string]any{"active": map[string]any{"identity": "socket-hop-2", "eta": 60}, "should_refresh": true},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "json", Select: []string{"active.identity"}, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"active.identity": "socket-hop-2"`) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestRenderPlainTable(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data: []map[string]any{
			{"identity": "lifi-across-1", "eta_minutes": "1"},
			{"identity": "socket-hop-2", "eta_minutes": "15"},
		},
		Warnings: []string{"network is busy"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("unexpected plain output: %q", buf.String())
	}
	if lines[0] != "warning: network is busy" {
		t.Fatalf("unexpected warning line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "ETA_MINUTES") || !strings.Contains(lines[1], "IDENTITY") {
		t.Fatalf("unexpected header: %q", lines[1])
	}
	if !strings.Contains(lines[3], "socket-hop-2") {
		t.Fatalf("unexpected row: %q", lines[3])
	}
}

func TestRenderPlainObjectFlattens(t *testing.T) {
	var buf bytes.Buffer
	err := renderPlain(&buf, map[string]any{"validation": map[string]any{"no_quotes": false}, "count": 2})
	if err != nil {
		t.Fatalf("renderPlain failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "count=2 validation.no_quotes=false" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
