package nntp

import (
	"errors"
	"net/textproto"
)

// Sentinel errors for the provider manager.
var (
	// ErrArticleNotFound indicates the article does not exist on any provider.
	ErrArticleNotFound = errors.New("nntp: article not found")

	// ErrNoProvidersAvailable indicates every configured provider is in
	// backoff or the manager has none to try.
	ErrNoProvidersAvailable = errors.New("nntp: no providers available")

	// ErrAllProvidersFailed indicates all providers failed to serve the article.
	ErrAllProvidersFailed = errors.New("nntp: all providers failed")

	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("nntp: manager is closed")
)

// NNTP status codes.
const (
	StatusServiceReady        = 200
	StatusServiceReadyNoPost  = 201
	StatusDate                = 111
	StatusBodyFollows         = 222
	StatusArticleExists       = 223
	StatusArticleNotFound     = 430
	StatusConnectionClosing   = 205
	StatusAuthAccepted        = 281
	StatusPasswordRequired    = 381
	StatusAuthRequired        = 480
	StatusAuthRejected        = 482
	StatusServiceUnavailable  = 400
	StatusConnectionsExceeded = 502
)

// ProviderError wraps an error from a specific provider.
type ProviderError struct {
	Provider   string
	Host       string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Err.Error()
	}
	return e.Provider + ": request failed"
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsArticleNotFound checks if the error indicates an article doesn't exist.
// This covers both the sentinel error and NNTP 430 responses.
func IsArticleNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrArticleNotFound) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == StatusArticleNotFound
	}
	return false
}

// IsRetryable checks if the error is transient and the request may succeed
// on a fresh attempt against the same provider.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrManagerClosed) {
		return false
	}
	if IsArticleNotFound(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Temporary
	}
	return false
}

// statusCode extracts the NNTP status code from a textproto response error.
func statusCode(err error) int {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}
