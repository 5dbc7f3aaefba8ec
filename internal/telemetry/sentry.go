// sentry.go — Sentry error tracking for the playback controller.
//
// Usage in main.go:
//
//	telemetry.InitSentry(os.Getenv("SENTRY_DSN"), "playback", version)
//	defer telemetry.Flush()
//
// Usage in handlers:
//
//	telemetry.CaptureError(err, map[string]string{
//	    "account_id": accountID,
//	    "operation":  "stream-start",
//	})
package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry initializes the Sentry SDK for a named service.
// Call once at process startup. dsn may be empty — Sentry will be disabled.
// release should be the git SHA or version tag.
func InitSentry(dsn, serviceName, release string) error {
	env := os.Getenv("PERCH_ENV")
	if env == "" {
		env = "development"
	}

	if dsn == "" {
		// Sentry disabled — not an error. Log and continue.
		fmt.Fprintf(os.Stderr, "[telemetry] SENTRY_DSN not set — Sentry disabled for %s\n", serviceName)
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		TracesSampleRate: 0.2,
		AttachStacktrace: true,
		Tags: map[string]string{
			"service": serviceName,
		},
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrubPII(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	return nil
}

// CaptureError sends an error to Sentry with optional context tags.
// Safe to call when Sentry is disabled (dsn was empty).
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered Sentry events to be sent. Call with defer in
// main().
func Flush() {
	sentry.Flush(2 * time.Second)
}

// PanicRecoveryMiddleware is an HTTP middleware that catches panics,
// reports them to Sentry with request context, and returns a 500.
func PanicRecoveryMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					hub := sentry.CurrentHub().Clone()
					hub.Scope().SetRequest(r)
					hub.Scope().SetTag("service", serviceName)
					hub.Scope().SetTag("panic", "true")

					var err error
					switch v := rec.(type) {
					case error:
						err = v
					default:
						err = fmt.Errorf("panic: %v", v)
					}
					hub.CaptureException(err)
					hub.Flush(2 * time.Second)

					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// scrubPII removes personally identifiable information from Sentry events
// before they are transmitted.
func scrubPII(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}

	if event.User.Email != "" {
		event.User.Email = "[redacted]"
	}
	event.User.IPAddress = ""

	if event.Request != nil {
		headers := event.Request.Headers
		for k := range headers {
			switch k {
			case "Authorization", "Cookie", "X-Api-Key", "X-Auth-Token":
				headers[k] = "[redacted]"
			}
		}
	}

	return event
}
