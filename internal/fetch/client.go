// Package fetch provides the HTTP clients the agent uses to read external data sources:
// the resource lock indexer and the native-asset price source.
package fetch

import (
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// RetryOptions controls the retry behaviour of a client
type RetryOptions struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// DefaultRetryOptions are used by the price client
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 3 * time.Second,
		Timeout:      10 * time.Second,
	}
}

// NoRetryOptions make a single attempt per call; the next scheduled tick is the retry
func NoRetryOptions() RetryOptions {
	return RetryOptions{Timeout: 10 * time.Second}
}

// NewRetryClient creates a new HTTP client with retry capabilities and logrus logging
func NewRetryClient(opts RetryOptions) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		c.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		c.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		c.HTTPClient.Timeout = opts.Timeout
	}
	c.Logger = leveledLogger{entry: logrus.WithField("component", "http")}
	// hand the last response back to the caller instead of a generic "giving up" error
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) fields(kv []interface{}) *logrus.Entry {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return l.entry.WithFields(f)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
