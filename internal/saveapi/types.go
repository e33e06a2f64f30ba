// Package saveapi speaks the versioned autosave protocol:
// PUT /documents/{id} with {baseVersion, content} answered by 200 with the
// new version, 409 with the server's latest copy, or 429 with a retry
// delay. The client classifies every outcome so the engine never inspects
// HTTP details.
package saveapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/draftsync/draftsync/internal/document"
)

var (
	ErrConflict    = errors.New("version conflict")
	ErrRateLimited = errors.New("rate limited")
)

type SaveRequest struct {
	BaseVersion int64            `json:"baseVersion"`
	Content     []document.Block `json:"content"`
}

type SaveResult struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type latestPayload struct {
	Version   int64            `json:"version"`
	Content   []document.Block `json:"content"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type conflictPayload struct {
	Conflict bool          `json:"conflict"`
	Latest   latestPayload `json:"latest"`
}

type rateLimitPayload struct {
	RetryAfter int `json:"retryAfter"`
}

// ConflictError carries the server's latest copy so resolution never needs
// a second round trip.
type ConflictError struct {
	DocumentID      string
	BaseVersion     int64
	LatestVersion   int64
	LatestContent   []document.Block
	LatestUpdatedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: base %d, latest %d", e.DocumentID, e.BaseVersion, e.LatestVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RateLimitedError carries the server-specified resubmission delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Guard validates save attempts against the server's current version.
type Guard interface {
	Submit(ctx context.Context, documentID string, baseVersion int64, content []document.Block) (SaveResult, error)
	Fetch(ctx context.Context, documentID string) (document.Document, error)
}

// IsTransient reports whether an error is worth retrying with backoff.
// Conflicts, rate limits, and validation failures have their own paths.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrRateLimited) {
		return false
	}
	var verr *document.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode >= 500
	}
	// Network-level failures.
	return true
}
