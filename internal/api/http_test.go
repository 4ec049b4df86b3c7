package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
	"github.com/SimplyPrint/mifare-agent/internal/updater"
)

func serve(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.NewMux().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHandleVersion(t *testing.T) {
	origVersion, origBuildTime, origGitCommit := Version, BuildTime, GitCommit
	Version = "1.2.3-test"
	BuildTime = "2024-01-15T10:30:00Z"
	GitCommit = "abc1234"
	defer func() {
		Version, BuildTime, GitCommit = origVersion, origBuildTime, origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()

	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]string
	decodeBody(t, w, &result)

	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["buildTime"] != "2024-01-15T10:30:00Z" {
		t.Errorf("expected buildTime '2024-01-15T10:30:00Z', got '%s'", result["buildTime"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestHandleVersion_MethodNotAllowed(t *testing.T) {
	methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/v1/version", nil)
			w := httptest.NewRecorder()

			handleVersion(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d for %s, got %d", http.StatusMethodNotAllowed, method, w.Code)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(newMockOps())

	w := serve(s, http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]interface{}
	decodeBody(t, w, &result)
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", result["status"])
	}
	if result["readerCount"] != float64(2) {
		t.Errorf("expected readerCount 2, got %v", result["readerCount"])
	}

	if w := serve(s, http.MethodPost, "/v1/health", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /v1/health: expected %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("OK"))
	})

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request", http.MethodGet, http.StatusCreated},
		{"POST request", http.MethodPost, http.StatusCreated},
		{"DELETE request", http.MethodDelete, http.StatusCreated},
		{"OPTIONS preflight", http.MethodOptions, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("expected Access-Control-Allow-Origin header to be '*'")
			}
			if w.Header().Get("Access-Control-Allow-Methods") != "GET, POST, DELETE, OPTIONS" {
				t.Error("expected Access-Control-Allow-Methods header")
			}
			if tt.method == http.MethodOptions && w.Body.Len() > 0 {
				t.Errorf("expected empty body for OPTIONS preflight, got %s", w.Body.String())
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	dir := t.TempDir()
	logging.SetCrashLogDir(dir)
	defer logging.SetCrashLogDir("")

	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/readers/0/classic", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	var result map[string]string
	decodeBody(t, w, &result)
	if result["error"] != "internal server error" {
		t.Errorf("error = %q", result["error"])
	}
	if filepath.Dir(result["crashFile"]) != dir {
		t.Errorf("crashFile = %q, want a file in %q", result["crashFile"], dir)
	}
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	respondJSON(w, http.StatusCreated, map[string]interface{}{"count": 42, "items": []string{"a", "b"}})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}
	var result map[string]interface{}
	decodeBody(t, w, &result)
	if result["count"] != float64(42) {
		t.Errorf("count = %v", result["count"])
	}
}

func TestNewMux(t *testing.T) {
	s := newTestServer(newMockOps())

	routes := []string{
		"/v1/readers",
		"/v1/version",
		"/v1/health",
		"/v1/logs",
		"/v1/crashes",
	}
	for _, route := range routes {
		if w := serve(s, http.MethodGet, route, nil); w.Code == http.StatusNotFound {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestHandleListReaders(t *testing.T) {
	s := newTestServer(newMockOps())

	w := serve(s, http.MethodGet, "/v1/readers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var readers []core.Reader
	decodeBody(t, w, &readers)
	if len(readers) != 2 || readers[1].Type != "sam" {
		t.Errorf("readers = %+v", readers)
	}

	if w := serve(s, http.MethodDelete, "/v1/readers", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE: expected %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleReaderRoutes_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"missing index", "/v1/readers/", http.StatusBadRequest},
		{"invalid index", "/v1/readers/abc/card", http.StatusBadRequest},
		{"missing endpoint", "/v1/readers/0", http.StatusBadRequest},
		{"index out of range", "/v1/readers/5/card", http.StatusNotFound},
		{"unknown endpoint", "/v1/readers/0/erase", http.StatusNotFound},
		{"too deep", "/v1/readers/0/classic/4/extra", http.StatusNotFound},
		{"invalid block", "/v1/readers/0/classic/four", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := newMockOps()
			w := serve(newTestServer(ops), http.MethodGet, tt.path, nil)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d (%s)", tt.status, w.Code, w.Body.String())
			}
			if ops.callCount() != 0 {
				t.Error("card operation called for an invalid route")
			}
		})
	}
}

func TestHandleReaderRoutes_NoReaders(t *testing.T) {
	ops := newMockOps()
	ops.readers = nil

	w := serve(newTestServer(ops), http.MethodGet, "/v1/readers/0/card", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleReaderCard(t *testing.T) {
	ops := newMockOps()
	s := newTestServer(ops)

	w := serve(s, http.MethodGet, "/v1/readers/0/card", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var info core.CardInfo
	decodeBody(t, w, &info)
	if info.UID != "04A1B2C3" || info.Capacity != "4k" || !info.Supported {
		t.Errorf("info = %+v", info)
	}

	ops.setInfo(nil, core.ErrNoCard)
	if w := serve(s, http.MethodGet, "/v1/readers/0/card", nil); w.Code != http.StatusNotFound {
		t.Errorf("no card: expected %d, got %d", http.StatusNotFound, w.Code)
	}
	if w := serve(s, http.MethodPost, "/v1/readers/0/card", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleClassic_Read(t *testing.T) {
	ops := newMockOps()
	ops.readResult.SkippedSectors = nil
	s := newTestServer(ops)

	w := serve(s, http.MethodGet, "/v1/readers/1/classic?key=A0A1A2A3A4A5&keyType=B&capacity=2k", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"skippedSectors":[]`) {
		t.Errorf("skippedSectors should encode as an empty array: %s", w.Body.String())
	}

	var resp ReadResponse
	decodeBody(t, w, &resp)
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("HELLO")) || resp.BlocksRead != 215 || !resp.Complete {
		t.Errorf("resp = %+v", resp)
	}

	if ops.lastReader != "ACS ACR1252 1S CL Reader SAM 0" {
		t.Errorf("reader = %q", ops.lastReader)
	}
	want := classic.Credentials{Key: classic.Key{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}, KeyType: classic.KeyB}
	if ops.lastRead.Credentials != want || ops.lastRead.Capacity != "2k" {
		t.Errorf("request = %+v", ops.lastRead)
	}
}

func TestHandleClassic_DefaultCredentials(t *testing.T) {
	ops := newMockOps()
	creds := classic.Credentials{Key: classic.Key{1, 2, 3, 4, 5, 6}, KeyType: classic.KeyB}
	s := NewServer(ops, creds, time.Second)

	if w := serve(s, http.MethodGet, "/v1/readers/0/classic", nil); w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ops.lastRead.Credentials != creds {
		t.Errorf("credentials = %+v, want server defaults", ops.lastRead.Credentials)
	}

	// keyType alone overrides only the type.
	if w := serve(s, http.MethodGet, "/v1/readers/0/classic?keyType=A", nil); w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ops.lastRead.Credentials.Key != creds.Key || ops.lastRead.Credentials.KeyType != classic.KeyA {
		t.Errorf("credentials = %+v", ops.lastRead.Credentials)
	}
}

func TestHandleClassic_InvalidKey(t *testing.T) {
	ops := newMockOps()
	s := newTestServer(ops)

	for _, path := range []string{
		"/v1/readers/0/classic?key=FFFF",
		"/v1/readers/0/classic?keyType=C",
	} {
		if w := serve(s, http.MethodGet, path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected %d, got %d", path, http.StatusBadRequest, w.Code)
		}
	}
	if ops.callCount() != 0 {
		t.Error("ReadAll called with an invalid key")
	}
}

func TestHandleClassic_Write(t *testing.T) {
	tests := []struct {
		name        string
		body        any
		wantStatus  int
		wantPayload []byte
	}{
		{"text", WriteBody{Text: "HELLO"}, http.StatusOK, []byte("HELLO")},
		{"base64", WriteBody{Data: base64.StdEncoding.EncodeToString([]byte{0x00, 0xFF})}, http.StatusOK, []byte{0x00, 0xFF}},
		{"empty payload", WriteBody{ClearFirst: true}, http.StatusOK, nil},
		{"both data and text", WriteBody{Data: "AA==", Text: "x"}, http.StatusBadRequest, nil},
		{"bad base64", WriteBody{Data: "***"}, http.StatusBadRequest, nil},
		{"bad key", WriteBody{Text: "x", Key: "zz"}, http.StatusBadRequest, nil},
		{"bad json", "{not json", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := newMockOps()
			w := serve(newTestServer(ops), http.MethodPost, "/v1/readers/0/classic", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if ops.callCount() != 0 {
					t.Error("WriteAll called for a rejected request")
				}
				return
			}
			if !bytes.Equal(ops.lastWrite.Payload, tt.wantPayload) {
				t.Errorf("payload = % X, want % X", ops.lastWrite.Payload, tt.wantPayload)
			}
		})
	}
}

func TestHandleClassic_WriteResult(t *testing.T) {
	ops := newMockOps()
	ops.writeResult = &classic.WriteResult{
		BlocksWritten:  20,
		BlocksSkipped:  3,
		SkippedSectors: []int{5},
	}

	w := serve(newTestServer(ops), http.MethodPost, "/v1/readers/0/classic",
		WriteBody{Text: "HELLO", Capacity: "4k", ClearFirst: true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !ops.lastWrite.ClearFirst || ops.lastWrite.Capacity != "4k" {
		t.Errorf("request = %+v", ops.lastWrite)
	}

	var resp struct {
		Reader         string `json:"reader"`
		BlocksWritten  int    `json:"blocksWritten"`
		BlocksSkipped  int    `json:"blocksSkipped"`
		SkippedSectors []int  `json:"skippedSectors"`
		FailedBlocks   []int  `json:"failedBlocks"`
		Complete       bool   `json:"complete"`
	}
	decodeBody(t, w, &resp)
	if resp.BlocksWritten != 20 || resp.BlocksSkipped != 3 || resp.Complete {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.SkippedSectors) != 1 || resp.SkippedSectors[0] != 5 || resp.FailedBlocks == nil {
		t.Errorf("sectors = %v failed = %v", resp.SkippedSectors, resp.FailedBlocks)
	}
}

func TestHandleClassic_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"no card", fmt.Errorf("wait: %w", core.ErrNoCard), http.StatusNotFound},
		{"unknown capacity", fmt.Errorf("%w %q", classic.ErrUnknownCapacity, "8k"), http.StatusBadRequest},
		{"auth", &classic.AuthError{Sector: 1, Step: "authenticate", SW: 0x6300}, http.StatusForbidden},
		{"transport", &classic.TransportError{Op: "read", Err: errors.New("card removed")}, http.StatusBadGateway},
		{"status", &classic.StatusError{Op: "write", Block: 4, SW: 0x6300}, http.StatusUnprocessableEntity},
		{"unsupported card", fmt.Errorf("%w: MIFARE Classic 1K", core.ErrUnsupportedCard), http.StatusUnprocessableEntity},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := newMockOps()
			ops.err = tt.err
			s := newTestServer(ops)

			if w := serve(s, http.MethodGet, "/v1/readers/0/classic", nil); w.Code != tt.status {
				t.Errorf("read: expected %d, got %d", tt.status, w.Code)
			}
			if w := serve(s, http.MethodPost, "/v1/readers/0/classic", WriteBody{Text: "x"}); w.Code != tt.status {
				t.Errorf("write: expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestHandleClassicBlock(t *testing.T) {
	ops := newMockOps()
	s := newTestServer(ops)

	data := "000102030405060708090a0b0c0d0e0f"
	w := serve(s, http.MethodPost, "/v1/readers/0/classic/200", BlockBody{Data: data, Capacity: "4k"})
	if w.Code != http.StatusOK {
		t.Fatalf("write: expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body.String())
	}
	if ops.lastBlock != 200 || ops.lastRead.Capacity != "4k" {
		t.Errorf("block = %d request = %+v", ops.lastBlock, ops.lastRead)
	}

	w = serve(s, http.MethodGet, "/v1/readers/0/classic/200", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read: expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp struct {
		Block int    `json:"block"`
		Data  string `json:"data"`
	}
	decodeBody(t, w, &resp)
	if resp.Block != 200 || resp.Data != data {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleClassicBlock_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"trailer read", http.MethodGet, "/v1/readers/0/classic/3", nil, http.StatusBadRequest},
		{"uid block write", http.MethodPost, "/v1/readers/0/classic/0", BlockBody{Data: strings.Repeat("00", 16)}, http.StatusBadRequest},
		{"out of range", http.MethodGet, "/v1/readers/0/classic/256", nil, http.StatusBadRequest},
		{"short data", http.MethodPost, "/v1/readers/0/classic/4", BlockBody{Data: "0011"}, http.StatusBadRequest},
		{"bad hex", http.MethodPost, "/v1/readers/0/classic/4", BlockBody{Data: strings.Repeat("zz", 16)}, http.StatusBadRequest},
		{"delete", http.MethodDelete, "/v1/readers/0/classic/4", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newTestServer(newMockOps()), tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d (%s)", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleLogs(t *testing.T) {
	logging.Get().Clear()
	logging.Warn(logging.CatCard, "test warning", nil)
	logging.Info(logging.CatHTTP, "test info", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs?level=warn&limit=10", nil)
	w := httptest.NewRecorder()
	handleLogs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var result struct {
		Entries []logging.Entry `json:"entries"`
	}
	decodeBody(t, w, &result)
	if len(result.Entries) != 1 || result.Entries[0].Message != "test warning" {
		t.Errorf("entries = %+v", result.Entries)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/logs", nil)
	w = httptest.NewRecorder()
	handleLogs(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE: expected status %d, got %d", http.StatusOK, w.Code)
	}
	if n := len(logging.Get().GetEntries(100, nil, nil)); n != 0 {
		t.Errorf("%d entries left after clear", n)
	}
}

func TestHandleCrashes(t *testing.T) {
	dir := t.TempDir()
	logging.SetCrashLogDir(dir)
	defer logging.SetCrashLogDir("")

	path, err := logging.WriteCrashLog("test panic", []byte("stack"))
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/crashes", nil)
	w := httptest.NewRecorder()
	handleCrashes(w, req)

	var list struct {
		Crashes  []logging.CrashLogInfo `json:"crashes"`
		CrashDir string                 `json:"crashDir"`
	}
	decodeBody(t, w, &list)
	if len(list.Crashes) != 1 || list.CrashDir != dir {
		t.Fatalf("list = %+v", list)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/crashes?file="+filepath.Base(path), nil)
	w = httptest.NewRecorder()
	handleCrashes(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "test panic") {
		t.Errorf("file: status %d body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/crashes?file=../settings.json", nil)
	w = httptest.NewRecorder()
	handleCrashes(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("traversal: expected %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleSettings(t *testing.T) {
	settings.SetPath(filepath.Join(t.TempDir(), "settings.json"))
	defer settings.SetPath("")
	defer logging.Get().SetLevel(logging.LevelInfo)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/settings", strings.NewReader(body))
		w := httptest.NewRecorder()
		handleSettings(w, req)
		return w
	}

	if w := post(`{"crashReporting":true,"logLevel":"debug"}`); w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body.String())
	}
	if !settings.IsCrashReportingEnabled() || settings.Get().LogLevel != "debug" {
		t.Errorf("settings = %+v", settings.Get())
	}

	if w := post(`{"logLevel":"chatty"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid level: expected %d, got %d", http.StatusBadRequest, w.Code)
	}
	if w := post(`not json`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid body: expected %d, got %d", http.StatusBadRequest, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	w := httptest.NewRecorder()
	handleSettings(w, req)
	var got settings.Settings
	decodeBody(t, w, &got)
	if !got.CrashReporting || got.LogLevel != "debug" {
		t.Errorf("GET settings = %+v", got)
	}
}

func TestHandleShutdown(t *testing.T) {
	s := newTestServer(newMockOps())

	if w := serve(s, http.MethodPost, "/v1/shutdown", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("without handler: expected %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	called := make(chan struct{})
	s.SetShutdownHandler(func() { close(called) })

	if w := serve(s, http.MethodPost, "/v1/shutdown", nil); w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown handler not called")
	}
}

func TestHandleUpdates(t *testing.T) {
	var hits atomic.Int32
	releases := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode([]updater.Release{{
			TagName: "v1.2.0",
			HTMLURL: "https://github.com/SimplyPrint/mifare-agent/releases/v1.2.0",
		}})
	}))
	defer releases.Close()

	checker := updater.NewChecker("v1.0.0")
	checker.SetURL(releases.URL)
	s := newTestServer(newMockOps())
	s.SetUpdateChecker(checker)

	w := serve(s, http.MethodGet, "/v1/updates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var info updater.UpdateInfo
	decodeBody(t, w, &info)
	if !info.Available || info.LatestVersion != "v1.2.0" {
		t.Errorf("update info = %+v", info)
	}

	serve(s, http.MethodGet, "/v1/updates", nil)
	serve(s, http.MethodGet, "/v1/updates?force=true", nil)
	if hits.Load() != 2 {
		t.Errorf("release requests = %d, want 2", hits.Load())
	}

	if w := serve(s, http.MethodPost, "/v1/updates", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func BenchmarkHandleVersion(b *testing.B) {
	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handleVersion(w, req)
	}
}

func BenchmarkCORSMiddleware(b *testing.B) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		handler(w, req)
	}
}
