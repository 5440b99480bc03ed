package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoopbackRequest(t *testing.T) {
	req := LoopbackRequest(http.MethodPost, "/debug/backup", strings.NewReader("x"))
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
	if req.Method != http.MethodPost || req.URL.Path != "/debug/backup" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
}

func TestServe(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(r.RemoteAddr))
	})
	w := Serve(h, http.MethodGet, "/", nil)
	AssertStatusCode(t, w.Code, http.StatusTeapot)
	if !strings.HasPrefix(w.Body.String(), "127.0.0.1") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestTempPath(t *testing.T) {
	p := TempPath(t, "scan.db")
	if filepath.Base(p) != "scan.db" {
		t.Errorf("TempPath = %q", p)
	}
	if _, err := os.Stat(filepath.Dir(p)); err != nil {
		t.Errorf("temp dir missing: %v", err)
	}
}
