// Package outcome defines the typed errors every storage operation can
// surface. The REST collaborator maps them onto status codes and
// OperationOutcome resources; inside the core they are matched with
// [errors.As].
//
// Nothing in the core silently drops a requested constraint: an
// unsatisfiable constraint either fails with one of these errors or is
// reported as an explicit degradation on the search result.
package outcome

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates the resource, version, or type is absent.
// Cross-tenant reads report it indistinguishably from true absence, so
// existence never leaks across tenants.
type NotFoundError struct {
	ResourceType string
	ID           string
	VersionID    string
}

func (e *NotFoundError) Error() string {
	switch {
	case e.VersionID != "":
		return fmt.Sprintf("%s/%s version %s not found", e.ResourceType, e.ID, e.VersionID)
	case e.ID != "":
		return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ID)
	default:
		return fmt.Sprintf("resource type %s not found", e.ResourceType)
	}
}

// ValidationError indicates malformed input: a bad identity, an unsupported
// modifier on a parameter, an ambiguous chained reference type, or a
// malformed date, number or quantity literal.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Detail
}

// PreconditionError indicates a failed precondition on a conditional
// operation: a version mismatch, or multiple matches where at most one was
// allowed.
type PreconditionError struct {
	Detail  string
	Matches int
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Detail
}

// VersionConflictError is returned by a version-aware update whose expected
// version does not equal the current one.
type VersionConflictError struct {
	ResourceType string
	ID           string
	Expected     string
	Actual       string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %s, actual %s",
		e.ResourceType, e.ID, e.Expected, e.Actual)
}

// Conflict names one resource whose observed state drifted before an
// optimistic commit.
type Conflict struct {
	ResourceType string
	ID           string
	Expected     string
	Actual       string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s/%s (expected %s, actual %s)", c.ResourceType, c.ID, c.Expected, c.Actual)
}

// OptimisticLockError fails an optimistic transaction commit. It carries
// every conflicting resource so the caller can retry.
type OptimisticLockError struct {
	Conflicts []Conflict
}

func (e *OptimisticLockError) Error() string {
	names := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		names = append(names, c.String())
	}
	return "optimistic lock failure: " + strings.Join(names, ", ")
}

// UnsupportedFeatureError indicates a fragment/backend capability mismatch.
// It is surfaced before any execution begins.
type UnsupportedFeatureError struct {
	Feature    string
	Suggestion string
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unsupported feature: %s (%s)", e.Feature, e.Suggestion)
	}
	return "unsupported feature: " + e.Feature
}

// TransactionAbortedError indicates a transaction was rolled back because of
// an atomicity violation, timeout, or deadlock. No partial effect remains.
type TransactionAbortedError struct {
	Reason string
	Err    error
}

func (e *TransactionAbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction aborted: %s: %v", e.Reason, e.Err)
	}
	return "transaction aborted: " + e.Reason
}

func (e *TransactionAbortedError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var target *VersionConflictError
	return errors.As(err, &target)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

// IsUnsupported reports whether err is an UnsupportedFeatureError.
func IsUnsupported(err error) bool {
	var target *UnsupportedFeatureError
	return errors.As(err, &target)
}
