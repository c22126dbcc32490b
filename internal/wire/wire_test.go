package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/xtxerr/adsync/internal/errors"
)

func TestConn_RunRequest(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, 0)

	params := map[string]any{
		"name":   "bob",
		"groups": []string{"staff", "admins"},
		"extra":  map[string]string{"home": `\\fs\bob`},
		"quota":  20,
	}
	if err := c.Write(NewRun(7, "scripts/home.ps1", params)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := c.Write(NewResult(7)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := c.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.ID != 7 || got.Type != TypeRun || got.Path != "scripts/home.ps1" {
		t.Errorf("Read() = %+v", got)
	}
	if got.Params["name"] != "bob" {
		t.Errorf("name = %v, want bob", got.Params["name"])
	}
	groups, ok := got.Params["groups"].([]any)
	if !ok || len(groups) != 2 || groups[1] != "admins" {
		t.Errorf("groups = %#v", got.Params["groups"])
	}
	if extra, _ := got.Params["extra"].(map[string]any); extra["home"] != `\\fs\bob` {
		t.Errorf("extra = %#v", got.Params["extra"])
	}
	if got.Params["quota"] != float64(20) {
		t.Errorf("quota = %#v, want 20", got.Params["quota"])
	}

	res, err := c.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if res.Type != TypeResult || res.Err() != nil {
		t.Errorf("result = %+v", res)
	}

	if _, err := c.Read(); err != io.EOF {
		t.Errorf("Read() at end error = %v, want io.EOF", err)
	}
}

func TestEnvelope_ErrorReply(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, 0)

	cause := errors.Wrap(errors.ErrScriptFailed, "exit status 3")
	if err := c.Write(NewErrorFromErr(9, cause)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := c.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Code != errors.CodeScriptFailed {
		t.Errorf("Code = %d, want %d", got.Code, errors.CodeScriptFailed)
	}
	if err := got.Err(); !errors.Is(err, errors.ErrScriptFailed) || !strings.Contains(err.Error(), "exit status 3") {
		t.Errorf("Err() = %v, want script failure with message", err)
	}
}

func TestReader_MaxSize(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(NewRun(1, "x.ps1", map[string]any{"blob": strings.Repeat("a", 512)})); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := NewReader(&buf, 128)
	if _, err := r.Read(); err == nil {
		t.Error("Read() of oversized message succeeded, want error")
	}
}
