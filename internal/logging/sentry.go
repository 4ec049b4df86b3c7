package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	EnvSentry            = "MIFARE_AGENT_SENTRY"
	EnvSentryDSN         = "MIFARE_AGENT_SENTRY_DSN"
	EnvSentryEnvironment = "MIFARE_AGENT_ENVIRONMENT"
)

var sentryEnabled bool

// Fields that may carry key material or card contents. They never leave
// the process.
var sensitiveFields = map[string]bool{
	"key":     true,
	"keyHex":  true,
	"data":    true,
	"payload": true,
}

const redacted = "[redacted]"

// redact returns data with sensitive fields masked. data is not modified.
func redact(data map[string]any) map[string]any {
	if len(data) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if sensitiveFields[k] {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// InitSentry enables error reporting when the user opted in, or when
// MIFARE_AGENT_SENTRY=1. MIFARE_AGENT_SENTRY=0 always disables it. The DSN
// comes from MIFARE_AGENT_SENTRY_DSN, falling back to dsn.
func InitSentry(version string, crashReportingEnabled bool, dsn string) bool {
	enabled := crashReportingEnabled
	switch os.Getenv(EnvSentry) {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if !enabled {
		return false
	}

	if env := os.Getenv(EnvSentryDSN); env != "" {
		dsn = env
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "Warning: crash reporting enabled but no Sentry DSN configured")
		return false
	}

	environment := os.Getenv(EnvSentryEnvironment)
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "mifare-agent@" + version,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

// scrubEvent is the last chance to drop key material before an event is
// sent.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.Extra = redact(event.Extra)
	return event
}

func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry waits up to timeout for buffered events.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic reports a recovered panic and flushes, since the process may
// be about to exit.
func CapturePanic(panicValue any, stack []byte, where string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", where)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprint(panicValue))
		}
	})
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err tagged with its log category. A "reader" field
// in data becomes a tag so failures can be grouped by reader model.
func CaptureError(err error, category string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("category", category)
		if reader, ok := data["reader"].(string); ok {
			scope.SetTag("reader", reader)
		}
		scope.SetExtras(redact(data))
		sentry.CaptureException(err)
	})
}
