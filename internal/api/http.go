package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
	"github.com/SimplyPrint/mifare-agent/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// Dev builds fall back to the VCS stamp in the build info.
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision != "" {
		GitCommit = revision
		if len(revision) > 7 {
			revision = revision[:7]
		}
		Version = "dev-" + revision
		if modified {
			Version += "-dirty"
		}
	}
}

// Operations is everything the API needs from the card layer.
type Operations interface {
	core.ReaderOperations
	core.CardOperations
}

// Server serves the HTTP and WebSocket API on top of Operations.
type Server struct {
	ops      Operations
	creds    classic.Credentials
	timeout  time.Duration
	shutdown func()
	hub      *WSHub
	updates  *updater.Checker
}

// NewServer returns a Server. creds are used when a request names no key;
// timeout bounds every card operation.
func NewServer(ops Operations, creds classic.Credentials, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		ops:     ops,
		creds:   creds,
		timeout: timeout,
		updates: updater.NewChecker(Version),
	}
}

// SetShutdownHandler sets the callback for shutdown requests.
func (s *Server) SetShutdownHandler(handler func()) {
	s.shutdown = handler
}

// SetUpdateChecker replaces the release checker behind /v1/updates.
func (s *Server) SetUpdateChecker(c *updater.Checker) {
	s.updates = c
}

// NewMux constructs the HTTP mux for the API, including /v1/ws.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(s.handleReaderRoutes))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/updates", corsMiddleware(s.handleUpdates))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.WebSocketHandler())
	return mux
}

// recoveryMiddleware turns a handler panic into a crash log and a 500.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer logging.RecoverAndLogFunc(fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path), false, func(_ any, crashFile string) {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error":     "internal server error",
				"crashFile": crashFile,
			})
		})
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a card-layer error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, core.ErrNoCard):
		return http.StatusNotFound
	case errors.Is(err, classic.ErrInvalidBlock),
		errors.Is(err, classic.ErrReservedBlock),
		errors.Is(err, classic.ErrInvalidKey),
		errors.Is(err, classic.ErrUnknownCapacity):
		return http.StatusBadRequest
	case classic.IsAuthError(err):
		return http.StatusForbidden
	case classic.IsTransportError(err):
		return http.StatusBadGateway
	case classic.IsStatusError(err),
		errors.Is(err, core.ErrUnsupportedCard):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// credentials resolves the key fields of a request against the server
// defaults.
func (s *Server) credentials(keyHex, keyType string) (classic.Credentials, error) {
	creds := s.creds
	if keyHex != "" {
		key, err := classic.ParseKey(keyHex)
		if err != nil {
			return creds, err
		}
		creds.Key = key
	}
	if keyType != "" {
		kt, err := classic.ParseKeyType(keyType)
		if err != nil {
			return creds, err
		}
		creds.KeyType = kt
	}
	return creds, nil
}

// operationContext bounds one card operation.
func (s *Server) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// readerByIndex resolves an index from a URL or message to a reader name.
func (s *Server) readerByIndex(index int) (string, error) {
	readers := s.ops.ListReaders()
	if len(readers) == 0 {
		return "", errors.New("no readers found")
	}
	if index < 0 || index >= len(readers) {
		return "", errors.New("reader index out of range")
	}
	return readers[index].Name, nil
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.ops.ListReaders())
}

func (s *Server) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// /v1/readers/{index}/{endpoint}[/{block}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondError(w, http.StatusBadRequest, "invalid path")
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid reader index")
		return
	}

	if len(parts) < 4 {
		respondError(w, http.StatusBadRequest, "missing endpoint (e.g., /card, /classic)")
		return
	}

	readerName, err := s.readerByIndex(readerIndex)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	switch {
	case parts[3] == "card" && len(parts) == 4:
		s.handleReaderCard(w, r, readerName)
	case parts[3] == "classic" && len(parts) == 4:
		s.handleClassic(w, r, readerName)
	case parts[3] == "classic" && len(parts) == 5:
		s.handleClassicBlock(w, r, readerName, parts[4])
	default:
		respondError(w, http.StatusNotFound, "unknown endpoint")
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"readerCount": len(s.ops.ListReaders()),
	})
}

// handleUpdates reports whether a newer release exists. ?force=true skips
// the cache.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	respondJSON(w, http.StatusOK, s.updates.Check(r.Context(), force))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdown == nil {
		respondError(w, http.StatusServiceUnavailable, "shutdown not available")
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// After the response is written.
	go s.shutdown()
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			if l, ok := logging.ParseLevel(levelStr); ok {
				minLevel = &l
			}
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondError(w, http.StatusNotFound, "crash log not found: "+err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list crash logs: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting *bool   `json:"crashReporting"`
			DefaultReader  *string `json:"defaultReader"`
			LogLevel       *string `json:"logLevel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		if req.LogLevel != nil {
			if _, ok := logging.ParseLevel(*req.LogLevel); !ok {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid log level %q", *req.LogLevel))
				return
			}
		}

		updated, err := settings.Update(func(s *settings.Settings) {
			if req.CrashReporting != nil {
				s.CrashReporting = *req.CrashReporting
			}
			if req.DefaultReader != nil {
				s.DefaultReader = *req.DefaultReader
			}
			if req.LogLevel != nil {
				s.LogLevel = *req.LogLevel
			}
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to save settings: "+err.Error())
			return
		}

		if level, ok := logging.ParseLevel(updated.LogLevel); ok {
			logging.Get().SetLevel(level)
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"settings": updated,
			"message":  "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
