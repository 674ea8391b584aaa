package errors

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/walletconnect-go/wcrelay/pkg/log"
)

// debugMode disables reporting entirely; set DEBUG to anything non-empty
// during local development against a test relay.
const debugMode = "DEBUG"

var reporters []Reporter

func init() {
	reporters = make([]Reporter, 0)
	if os.Getenv(debugMode) != "" {
		log.Info("env DEBUG set, crash reporting disabled.")
	}
}

// Reporter forwards an error to an external crash collector.
type Reporter interface {
	Report(error)
}

func report(err error) {
	if err == nil || os.Getenv(debugMode) != "" {
		return
	}
	for _, r := range reporters {
		r.Report(err)
	}
}

type sentryReporter struct {
	limiter *rateLimiter
}

func (s *sentryReporter) Report(err error) {
	limited, _ := s.limiter.StackBasedRateLimited(err.Error())
	if limited {
		return
	}
	sentry.CaptureException(err)
}

// NewSentryReporter registers a sentry-go reporter. Fatal sequence-level
// errors (crypto derivation failures, store corruption) are forwarded to
// it, rate limited per distinct error message so a busy relay reconnect
// loop cannot flood the DSN. A blank dsn is a no-op, matching the
// teacher's "missing webhook" convention for optional reporters.
func NewSentryReporter(dsn string, reportDelay time.Duration) error {
	if dsn == "" {
		log.Warn("empty sentry dsn, skipping crash reporter initialization.")
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return Wrap(err, "init sentry")
	}
	reporters = append(reporters, &sentryReporter{limiter: newRateLimiter(reportDelay)})
	log.Info("sentry crash reporter initialized.")
	return nil
}
