package models

import (
	"errors"
	"fmt"
)

var (
	ErrSchemaVersion = errors.New("incompatible artifact schema version")
	ErrNoCandidates  = errors.New("no candidate cleared the similarity floor")
	ErrEmptyAnswer   = errors.New("generation returned an empty answer")
)

// ExtractionError marks an unreadable page or document. The page is skipped.
type ExtractionError struct {
	DocumentID string
	Page       int
	Cause      error
}

func (e *ExtractionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("extraction failed for %s page %d: %v", e.DocumentID, e.Page, e.Cause)
	}
	return fmt.Sprintf("extraction failed for %s: %v", e.DocumentID, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// DetectionError marks a chunk the detector could not process.
type DetectionError struct {
	ChunkID string
	Reason  string
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed for chunk %q: %s", e.ChunkID, e.Reason)
}

// ValidationInconsistency is a broken registry invariant. It aborts the build.
type ValidationInconsistency struct {
	CanonicalName string
	Expected      int
	Actual        int
	Detail        string
}

func (e *ValidationInconsistency) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("registry inconsistency for %q: %s", e.CanonicalName, e.Detail)
	}
	return fmt.Sprintf("registry inconsistency for %q: mention_count=%d, filtered mentions=%d",
		e.CanonicalName, e.Actual, e.Expected)
}

type ExternalServiceError struct {
	Service   string
	Op        string
	Retryable bool
	Cause     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Cause)
}

func (e *ExternalServiceError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is an ExternalServiceError worth retrying.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	return false
}

func IsFatal(err error) bool {
	var vi *ValidationInconsistency
	return errors.As(err, &vi) || errors.Is(err, ErrSchemaVersion)
}
