package onsgeo

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Compile-time interface compliance check.
var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)

// newRetryClient wraps the configured HTTP client with the retry policy.
// Exhausted retries do not produce an error: the last response is passed
// through so the caller can turn it into a ResponseStatusError.
func newRetryClient(
	cfg *Config,
	logger logrus.FieldLogger,
	onRetry func(req *http.Request, attempt int),
) *retryablehttp.Client {
	retryOn := make(map[int]struct{}, len(cfg.RetryStatusCodes))
	for _, code := range cfg.RetryStatusCodes {
		retryOn[code] = struct{}{}
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = cfg.HTTPClient()
	client.Logger = &leveledLogger{log: logger}
	client.RetryMax = cfg.MaxAttempts - 1
	client.RetryWaitMin = cfg.BackoffFactor
	client.RetryWaitMax = cfg.BackoffMax
	client.CheckRetry = checkRetry(retryOn)
	client.Backoff = exponentialBackoff
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if onRetry != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				onRetry(req, attempt)
			}
		}
	}

	return client
}

// checkRetry retries idempotent reads that hit a transient status.
// Transport errors fall back to the library's default policy.
func checkRetry(retryOn map[int]struct{}) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}

		if resp.Request != nil && !isIdempotentRead(resp.Request.Method) {
			return false, nil
		}

		_, ok := retryOn[resp.StatusCode]

		return ok, nil
	}
}

func isIdempotentRead(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// exponentialBackoff waits min * 2^attempt, capped at max. A Retry-After
// header on 429/503 takes precedence when it is present and within max.
func exponentialBackoff(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable) {
		if s, ok := resp.Header["Retry-After"]; ok && len(s) > 0 {
			if secs, err := strconv.Atoi(s[0]); err == nil && secs >= 0 {
				wait := time.Duration(secs) * time.Second
				if wait > maxWait {
					wait = maxWait
				}

				return wait
			}
		}
	}

	mult := math.Pow(2, float64(attempt)) * float64(minWait)

	wait := time.Duration(mult)
	if float64(wait) != mult || wait > maxWait {
		wait = maxWait
	}

	return wait
}

// leveledLogger adapts a logrus logger to retryablehttp's logging interface.
type leveledLogger struct {
	log logrus.FieldLogger
}

func (l *leveledLogger) fields(keysAndValues []interface{}) logrus.FieldLogger {
	fields := make(logrus.Fields, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}

		fields[key] = keysAndValues[i+1]
	}

	return l.log.WithFields(fields)
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
