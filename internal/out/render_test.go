package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/config"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/shopspring/decimal"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data: []model.RefillShortfall{{
			Chain:         "gnosis",
			Symbol:        "OLAS",
			MissingAmount: decimal.RequireFromString("30"),
		}},
		Meta: model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"chain", "missing_amount"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["chain"] != "gnosis" || out[0]["missing_amount"] != "30" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["symbol"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderSelectDottedPath(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data: map[string]any{
			"quote":    map[string]any{"quote_id": "q-1", "outcome": "quoted"},
			"requests": []any{},
		},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"quote.quote_id"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["quote"]["quote_id"] != "q-1" || len(out["quote"]) != 1 || len(out) != 1 {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    []map[string]any{{"chain": "gnosis", "legs": []string{"a"}}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `chain=gnosis legs=["a"]` {
		t.Fatalf("unexpected plain output: %s", got)
	}
}

func TestRenderErrorEnvelope(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Error:   &model.ErrorBody{Code: 15, Type: "no_route", Message: "no bridge route available"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "json"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded model.Envelope
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if decoded.Success || decoded.Error == nil || decoded.Error.Type != "no_route" {
		t.Fatalf("unexpected envelope: %s", buf.String())
	}
}

func TestEventStreamsOneLinePerItem(t *testing.T) {
	var buf bytes.Buffer
	settings := config.Settings{OutputMode: "json"}
	for _, status := range []string{"SUBMITTED", "DONE"} {
		if err := Event(&buf, map[string]string{"id": "q-1", "status": status}, settings); err != nil {
			t.Fatalf("Event failed: %v", err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"status":"DONE"`) {
		t.Fatalf("unexpected stream: %q", buf.String())
	}

	buf.Reset()
	if err := Event(&buf, map[string]string{"id": "q-1", "status": "DONE"}, config.Settings{OutputMode: "plain", SelectFields: []string{"status"}}); err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "status=DONE" {
		t.Fatalf("unexpected plain event: %q", buf.String())
	}
}
