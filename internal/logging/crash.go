package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const (
	MaxCrashLogs   = 20
	CrashLogMaxAge = 30 * 24 * time.Hour

	// crashTrailEntries is how many recent log entries a crash report
	// carries, so the card operation that was running can be seen.
	crashTrailEntries = 25

	crashPrefix     = "crash_"
	crashSuffix     = ".log"
	crashTimeFormat = "2006-01-02_15-04-05.000"
)

var crashDirOverride string

// SetCrashLogDir overrides the platform crash log directory. An empty dir
// restores the default.
func SetCrashLogDir(dir string) {
	crashDirOverride = dir
}

// CrashLogDir returns the per-platform crash directory.
func CrashLogDir() string {
	if crashDirOverride != "" {
		return crashDirOverride
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "MIFARE-Agent")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "MIFARE-Agent", "logs")
		}
		return filepath.Join(home, "MIFARE-Agent", "logs")
	default:
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, "mifare-agent")
		}
		return filepath.Join(home, ".local", "share", "mifare-agent", "logs")
	}
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// WriteCrashLog writes a crash report and prunes old ones. It returns the
// path of the new file.
func WriteCrashLog(panicValue any, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create crash log directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, crashPrefix+now.Format(crashTimeFormat)+crashSuffix)

	var b strings.Builder
	fmt.Fprintf(&b, "MIFARE Agent Crash Report\n")
	fmt.Fprintf(&b, "=========================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Panic Value:\n%v\n\n", panicValue)
	fmt.Fprintf(&b, "Stack Trace:\n%s\n", stack)
	fmt.Fprintf(&b, "Recent Log:\n%s\n", recentTrail())
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "Build Info:\n%s\n", info)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}

	go cleanupCrashLogsIn(dir)
	return path, nil
}

// recentTrail renders the newest buffered entries oldest first.
func recentTrail() string {
	entries := Get().GetEntries(crashTrailEntries, nil, nil)
	if len(entries) == 0 {
		return "(empty)\n"
	}
	var b strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&b, "%s [%s] [%s] %s", e.Time.Format(time.RFC3339Nano), e.Level, e.Category, e.Message)
		if len(e.Data) > 0 {
			fmt.Fprintf(&b, " %v", redact(e.Data))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RecoverAndLog recovers a panic, records it and optionally re-panics.
//
//	defer logging.RecoverAndLog("WebSocket hub", true)
func RecoverAndLog(where string, rePanic bool) {
	if r := recover(); r != nil {
		handlePanic(where, r, rePanic, nil)
	}
}

// RecoverAndLogFunc is RecoverAndLog with a callback that runs after the
// crash file is written and before any re-panic. crashFile is empty if the
// file could not be written.
func RecoverAndLogFunc(where string, rePanic bool, onPanic func(panicValue any, crashFile string)) {
	if r := recover(); r != nil {
		handlePanic(where, r, rePanic, onPanic)
	}
}

func handlePanic(where string, r any, rePanic bool, onPanic func(any, string)) {
	stack := debug.Stack()

	CapturePanic(r, stack, where)
	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", where, r), map[string]any{
		"panic": fmt.Sprint(r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}
	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, r, stack)

	if onPanic != nil {
		onPanic(r, crashFile)
	}
	if rePanic {
		panic(r)
	}
}

// CrashLogInfo describes one crash file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs lists up to limit crash files, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	names, err := crashLogNames(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(names) - 1; i >= 0 && len(logs) < limit; i-- {
		path := filepath.Join(dir, names[i])
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    names[i],
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog returns the contents of a crash file by base name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// crashLogNames returns crash file names sorted oldest first. The
// timestamp in the name sorts lexically.
func crashLogNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCrashLog(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// cleanupCrashLogsIn keeps the newest MaxCrashLogs crash files in dir and
// removes any older than CrashLogMaxAge.
func cleanupCrashLogsIn(dir string) {
	names, err := crashLogNames(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-CrashLogMaxAge)
	for i, name := range names {
		path := filepath.Join(dir, name)
		expired := len(names)-i > MaxCrashLogs
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			expired = true
		}
		if expired {
			_ = os.Remove(path)
		}
	}
}
