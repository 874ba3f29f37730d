package replicator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/log"
	"github.com/cuemby/satchel/pkg/metrics"
)

// reservedHeaders may never be set by a caller-supplied header map; they
// are owned by the pipeline, the protocol, or the HTTP stack itself,
// mirroring the allow/deny boundary cuemby-warren's ReadOnlyInterceptor
// draws around write operations. This is spec.md §6's exact reserved
// set, enforced at configuration time by Config.baseHeaders.
var reservedHeaders = map[string]bool{
	"authorization":    true,
	"connection":       true,
	"host":             true,
	"www-authenticate": true,
	"content-type":     true,
	"accept":           true,
	"content-length":   true,
}

// transportUnsafeHeaders is the subset of reservedHeaders httpPipeline
// itself must never let through req.Header.Set, because net/http gives
// them dedicated handling (Host and Content-Length are request fields,
// Connection is managed by the transport). Content-Type and the other
// reserved headers are still set here deliberately, just never by a
// caller-supplied Headers map (that is Config.baseHeaders's job).
var transportUnsafeHeaders = map[string]bool{
	"content-length": true,
	"host":           true,
	"connection":     true,
}

func errUndefinedSource() error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "UndefinedSource",
		"replication source URL is empty")
}

func errUndefinedTarget() error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "UndefinedTarget",
		"replication target URL is empty")
}

func errInvalidScheme(raw string) error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "InvalidScheme",
		"replication URL "+raw+" must be an absolute http or https URL")
}

func errIncompleteCredentials(raw string) error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "IncompleteCredentials",
		"replication URL "+raw+" carries partial userinfo; both username and password are required")
}

func errBadOptionalHeaderType(key string) error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "BadOptionalHeaderType",
		"header "+key+" has an unsupported value type")
}

func errProhibitedOptionalHeader(key string) error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "ProhibitedOptionalHeader",
		"header "+key+" is reserved and may not be set by the caller")
}

// RequestPipeline is the capability satchel's replicator needs from a
// transport: issue one HTTP-shaped request and get back a status code,
// headers, and body. The default implementation (httpPipeline) wraps
// net/http; tests substitute an in-memory fake.
type RequestPipeline interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (status int, respHeaders http.Header, respBody []byte, err error)
}

// httpPipeline is the production RequestPipeline, grounded on
// cuemby-warren/pkg/health.HTTPChecker's context-aware *http.Client use.
type httpPipeline struct {
	client *http.Client
}

// NewHTTPPipeline builds a RequestPipeline backed by net/http with the
// given per-request timeout.
func NewHTTPPipeline(timeout time.Duration) RequestPipeline {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &httpPipeline{client: &http.Client{Timeout: timeout}}
}

func (p *httpPipeline) Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, nil, ferrors.Wrap(ferrors.DomainReplication, ferrors.KindConfiguration, "BadRequest", "failed to build request", err)
	}
	for k, v := range headers {
		if transportUnsafeHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, nil, ferrors.Wrap(ferrors.DomainReplication, ferrors.KindTransient, "RequestFailed", "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, ferrors.Wrap(ferrors.DomainReplication, ferrors.KindTransient, "ReadBodyFailed", "failed to read response body", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

// classify turns an HTTP status into a retry decision per spec.md §4.7:
// 5xx and connection-level failures are transient; 429 is transient but
// honors Retry-After; any other 4xx is fatal.
func classify(status int, header http.Header) (transient bool, retryAfter time.Duration) {
	switch {
	case status == http.StatusTooManyRequests:
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				return true, time.Duration(secs) * time.Second
			}
		}
		return true, time.Second
	case status >= 500:
		return true, 0
	case status >= 400:
		return false, 0
	default:
		return false, 0
	}
}

// doWithRetry drives one request through up to maxRetryAttempts tries,
// backing off exponentially between transient failures, and surfacing a
// FatalReplicationError immediately on a non-transient 4xx.
func doWithRetry(ctx context.Context, pipeline RequestPipeline, direction Direction, method, url string, headers map[string]string, body []byte) (int, http.Header, []byte, error) {
	backoff := 200 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		status, respHeaders, respBody, err := pipeline.Do(ctx, method, url, headers, reader)
		if err == nil && status < 400 {
			return status, respHeaders, respBody, nil
		}

		transient := false
		var wait time.Duration
		if err != nil {
			transient = ferrors.IsTransient(err)
			lastErr = err
		} else {
			transient, wait = classify(status, respHeaders)
			lastErr = errFatalHTTPStatus(status)
		}

		if !transient {
			return status, respHeaders, respBody, lastErr
		}
		if attempt == maxRetryAttempts {
			break
		}

		metrics.ReplicationRetryTotal.WithLabelValues(string(direction)).Inc()
		if wait == 0 {
			wait = backoff
			backoff *= 2
		}
		log.Warn("replication request retrying: " + method + " " + url)

		select {
		case <-ctx.Done():
			return 0, nil, nil, ferrors.Wrap(ferrors.DomainReplication, ferrors.KindCancelled, "Cancelled", "replication cancelled during backoff", ctx.Err())
		case <-time.After(wait):
		}
	}
	return 0, nil, nil, ferrors.Wrap(ferrors.DomainReplication, ferrors.KindTransient, "RetriesExhausted",
		"exhausted retry attempts for "+method+" "+url, lastErr)
}

func errFatalHTTPStatus(status int) error {
	return ferrors.New(ferrors.DomainReplication, ferrors.KindConfiguration, "FatalReplicationError",
		"remote returned non-retryable status "+strconv.Itoa(status))
}
