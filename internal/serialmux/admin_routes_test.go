package serialmux

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/banshee-data/confocal.scan/internal/testutil"
)

func postCommand(t *testing.T, h http.Handler, command string) *httptest.ResponseRecorder {
	t.Helper()
	formData := url.Values{"command": {command}}
	req := testutil.LoopbackRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(map[string]string{"POS? 1": "1=0.1000\n"})
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name           string
		command        string
		expectedStatus int
		bodyContains   string
	}{
		{"write command", "MOV 1 0.5", http.StatusOK, `"MOV 1 0.5"`},
		{"query returns reply", "POS? 1", http.StatusOK, "1=0.1000"},
		{"empty command", "", http.StatusBadRequest, "Missing command"},
		{"whitespace-only command", "   ", http.StatusBadRequest, "Missing command"},
		{"query without reply", "ONT? 1", http.StatusBadGateway, "Query failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postCommand(t, httpMux, tt.command)
			if w.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d. Body: %s", w.Code, tt.expectedStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.bodyContains) {
				t.Errorf("body = %q, want it to contain %q", w.Body.String(), tt.bodyContains)
			}
		})
	}

	if !strings.Contains(string(port.GetWrittenData()), "MOV 1 0.5\n") {
		t.Errorf("written = %q", port.GetWrittenData())
	}
}

func TestAttachAdminRoutes_SendCommandAPI_MethodNotAllowed(t *testing.T) {
	httpMux := http.NewServeMux()
	NewSerialMux(NewTestableSerialPort()).AttachAdminRoutes(httpMux)

	req := testutil.LoopbackRequest(http.MethodGet, "/debug/send-command-api", nil)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestAttachAdminRoutes_SendCommandAPI_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = io.ErrShortWrite
	httpMux := http.NewServeMux()
	NewSerialMux(port).AttachAdminRoutes(httpMux)

	w := postCommand(t, httpMux, "MOV 1 0")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	httpMux := http.NewServeMux()
	NewSerialMux(NewTestableSerialPort()).AttachAdminRoutes(httpMux)

	req := testutil.LoopbackRequest(http.MethodPost, "/debug/tail", nil)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestAttachAdminRoutes_SendCommand(t *testing.T) {
	httpMux := http.NewServeMux()
	NewSerialMux(NewTestableSerialPort()).AttachAdminRoutes(httpMux)

	req := testutil.LoopbackRequest(http.MethodGet, "/debug/send-command", nil)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "<form") {
		t.Error("Response doesn't appear to be the command form")
	}
}
