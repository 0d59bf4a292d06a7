package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/minio/minio-go/v7"

	"objmover/internal/validate"
)

// Class of a failure: retryable failures are re-attempted with backoff up to
// the budget, fatal ones terminate the artifact immediately.
type Class int

const (
	ClassRetryable Class = iota
	ClassFatal
)

func (c Class) String() string {
	if c == ClassRetryable {
		return "retryable"
	}
	return "fatal"
}

// Decision is the classification of one failure
type Decision struct {
	Class Class
	Delay time.Duration // backoff before the next attempt, retryable only
	// Systemic marks failures likely to recur on every artifact
	// (credentials); the pool stops dispatching new work on these.
	Systemic bool
}

// Classifier maps failures to retry decisions. The retry budget itself
// belongs to the worker; the classifier only supplies class and delay.
type Classifier struct {
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
}

// NewClassifier creates a classifier with exponential backoff parameters
func NewClassifier(baseDelay time.Duration, factor float64, maxDelay time.Duration) *Classifier {
	if factor < 1 {
		factor = 1
	}
	return &Classifier{
		BaseDelay: baseDelay,
		Factor:    factor,
		MaxDelay:  maxDelay,
	}
}

// Classify maps a failure on the given attempt (1-based) to a decision
func (c *Classifier) Classify(err error, attempt int) Decision {
	var mismatch *validate.MismatchError
	if errors.As(err, &mismatch) {
		// in-flight corruption signals a channel problem, never retried
		return Decision{Class: ClassFatal}
	}

	if isAuthError(err) {
		return Decision{Class: ClassFatal, Systemic: true}
	}

	if isTransient(err) {
		return Decision{Class: ClassRetryable, Delay: c.Backoff(attempt)}
	}

	return Decision{Class: ClassFatal}
}

// Backoff returns base * factor^(attempt-1) capped at MaxDelay, plus random
// jitter to avoid thundering herds against the rate-limited remotes. The
// jitter window never reaches half the gap to the next uncapped delay, so
// successive delays stay strictly increasing for any factor above 1. The
// package-level rand source is safe for concurrent workers.
func (c *Classifier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(c.BaseDelay) * math.Pow(c.Factor, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	frac := 0.25
	if g := (c.Factor - 1) / 2; g < frac {
		frac = g
	}
	jitter := delay * frac * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusCode(err error) int {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) && errResp.StatusCode != 0 {
		return errResp.StatusCode
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}

	return 0
}

func isAuthError(err error) bool {
	switch statusCode(err) {
	case 401, 403:
		return true
	}

	var code string
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		code = errResp.Code
	}
	var apiErr smithy.APIError
	if code == "" && errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	switch code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
		return true
	}

	return false
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch code := statusCode(err); {
	case code == 429:
		return true
	case code >= 500 && code <= 599:
		return true
	case code != 0:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "slow down") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
