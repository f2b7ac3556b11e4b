package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// InitSentry enables error reporting when dsn is set. The returned flush must
// be called before exit.
func InitSentry(dsn, env string, log zerolog.Logger) (enabled bool, flush func()) {
	if dsn == "" {
		return false, func() {}
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		Environment:      env,
	}); err != nil {
		log.Error().Err(err).Msg("sentry init failed")
		return false, func() {}
	}
	return true, func() { sentry.Flush(2 * time.Second) }
}

// Capture reports err with job context. No-op when sentry is not initialised.
// Workers call it concurrently, so each report gets its own hub.
func Capture(err error, jobID string) {
	capture(sentry.CurrentHub(), err, jobID)
}

func capture(parent *sentry.Hub, err error, jobID string) {
	if err == nil || parent.Client() == nil {
		return
	}
	hub := parent.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		if jobID != "" {
			scope.SetTag("job_id", jobID)
		}
	})
	hub.CaptureException(err)
}
