package rpc

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ErrNotFound marks a semantic miss (block or receipt not present on the
// endpoint). Not retryable.
var ErrNotFound = errors.New("not found")

// IsNotFoundError reports whether err represents a missing entity.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ethereum.NotFound)
}

// IsRateLimitError reports whether err is an upstream rate limit response.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429
	}
	return strings.Contains(err.Error(), "429") || strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// IsMethodNotFoundError reports whether the endpoint does not support the
// called method, which triggers fallback paths instead of retries.
func IsMethodNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == -32601
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "method not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "not supported")
}

// IsRetryableError classifies transient failures: network errors, timeouts,
// server errors and upstream rate limits. Semantic errors (missing block,
// unsupported method, invalid input) are not retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsNotFoundError(err) || IsMethodNotFoundError(err) {
		return false
	}
	if IsRateLimitError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "eof") ||
		// malformed responses are retried a few times before parking
		strings.Contains(errStr, "parsing json") ||
		strings.Contains(errStr, "invalid character") ||
		strings.Contains(errStr, "unmarshal")
}
