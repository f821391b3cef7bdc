package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors shared across components. None of them are process-fatal.
var (
	ErrDiscoverySource   = errors.New("discovery source failed")
	ErrOracleUnavailable = errors.New("relevance oracle unavailable")
	ErrProbe             = errors.New("protection probe failed")
	ErrQuotaExhausted    = errors.New("credential quota exhausted")
	ErrStrategyExhausted = errors.New("capability chain exhausted")
	ErrSchedulerClosed   = errors.New("scheduler closed")
	ErrNoJob             = errors.New("no eligible job")
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate active job")
)

// FailureKind separates retryable from terminal retrieval failures.
type FailureKind int

// Failure kinds.
const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

func (k FailureKind) String() string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// Failure codes recorded on jobs as LastErrorCode.
const (
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
	CodeNetwork      = "network"
	CodeRateLimited  = "rate_limited"
	CodeServerError  = "server_error"
	CodeNotFound     = "not_found"
	CodeBlocked      = "blocked"
	CodeBlockPage    = "block_page"
	CodeClientError  = "client_error"
	CodeNoCredential = "no_credential"
	CodeSink         = "sink"
	CodeAck          = "ack_failed"
	CodeUnavailable  = "capability_unavailable"
	CodeCaptcha      = "captcha_unsolved"
)

// RetrievalError describes why a retrieval attempt failed.
type RetrievalError struct {
	Kind       FailureKind
	Code       string
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s retrieval failure: %s (status %d)", e.Kind, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s retrieval failure: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure should be retried on the same capability.
func (e *RetrievalError) Transient() bool {
	return e.Kind == FailureTransient
}

// NewTransient builds a retryable RetrievalError.
func NewTransient(code string, status int, err error) *RetrievalError {
	return &RetrievalError{Kind: FailureTransient, Code: code, StatusCode: status, Err: err}
}

// NewPermanent builds a RetrievalError that skips to the next capability.
func NewPermanent(code string, status int, err error) *RetrievalError {
	return &RetrievalError{Kind: FailurePermanent, Code: code, StatusCode: status, Err: err}
}

var blockPageMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("checking your browser"),
	[]byte("please wait while we verify"),
	[]byte("just a moment..."),
	[]byte("ddos protection"),
	[]byte("bot detection"),
	[]byte("access denied"),
}

// blockPageScanLimit bounds how much of a 2xx body is inspected for
// challenge markers. Real content pages are usually larger.
const blockPageScanLimit = 32 << 10

// ClassifyFailure turns a fetch outcome into a RetrievalError. It returns nil
// when the response is a usable success.
func ClassifyFailure(resp FetchResponse, err error) *RetrievalError {
	if err != nil {
		var rerr *RetrievalError
		switch {
		case errors.As(err, &rerr):
			return rerr
		case errors.Is(err, context.DeadlineExceeded):
			return NewTransient(CodeTimeout, 0, err)
		case errors.Is(err, context.Canceled):
			return NewTransient(CodeCanceled, 0, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return NewTransient(CodeTimeout, 0, err)
		}
		return NewTransient(CodeNetwork, resp.StatusCode, err)
	}
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return NewTransient(CodeRateLimited, status, nil)
	case status >= 500:
		return NewTransient(CodeServerError, status, nil)
	case status == http.StatusNotFound || status == http.StatusGone:
		return NewPermanent(CodeNotFound, status, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewPermanent(CodeBlocked, status, nil)
	case status >= 400:
		return NewPermanent(CodeClientError, status, nil)
	}
	if LooksBlocked(resp.Body) {
		return NewPermanent(CodeBlockPage, status, nil)
	}
	return nil
}

// LooksBlocked reports whether a small body carries challenge-page markers.
func LooksBlocked(body []byte) bool {
	if len(body) == 0 || len(body) > blockPageScanLimit {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range blockPageMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}
