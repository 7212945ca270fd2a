// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errdefs defines the error kinds shared across the orchestrator.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so that
// surfaces can classify failures with errors.Is without string matching.
package errdefs

import (
	"errors"
	"net/http"
)

// Validation errors. The request itself is malformed and retrying it
// unchanged can never succeed.
var (
	ErrInvalidName     = errors.New("invalid project name")
	ErrUnsafePath      = errors.New("unsafe path")
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrUnknownGroup    = errors.New("unknown pipeline group")
	ErrInvalidPolicy   = errors.New("invalid policy document")
	ErrBadConfig       = errors.New("invalid configuration")
)

// State errors. The request is well-formed but conflicts with the current
// state of the project or run.
var (
	ErrNameTaken         = errors.New("project name already taken")
	ErrRunInProgress     = errors.New("a pipeline run is in progress")
	ErrRunNotCancellable = errors.New("run cannot be cancelled")
	ErrIllegalTransition = errors.New("illegal run status transition")
	ErrNotFound          = errors.New("not found")
)

// External errors. A collaborator outside the orchestrator failed.
var (
	ErrInputFetchFailed      = errors.New("input fetch failed")
	ErrFetchNotFound         = errors.New("remote resource not found")
	ErrFetchAuthRequired     = errors.New("authentication required")
	ErrFetchTimeout          = errors.New("fetch timed out")
	ErrFetchChecksumMismatch = errors.New("checksum mismatch")
	ErrStepFailure           = errors.New("pipeline step failed")
	ErrWebhookDelivery       = errors.New("webhook delivery failed")
	ErrResultExport          = errors.New("result export failed")
)

// Resource errors.
var (
	ErrWorkspaceIO = errors.New("workspace i/o error")
	ErrDatabase    = errors.New("database error")
)

// Operator errors, raised by the scheduler on its own runs.
var (
	ErrTimeoutExceeded = errors.New("task timeout exceeded")
	ErrCancelled       = errors.New("run cancelled")
)

// IsValidation reports whether err is one of the validation kinds.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrUnsafePath) ||
		errors.Is(err, ErrUnknownPipeline) ||
		errors.Is(err, ErrUnknownGroup) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrBadConfig)
}

// IsState reports whether err is one of the state-conflict kinds.
func IsState(err error) bool {
	return errors.Is(err, ErrNameTaken) ||
		errors.Is(err, ErrRunInProgress) ||
		errors.Is(err, ErrRunNotCancellable) ||
		errors.Is(err, ErrIllegalTransition)
}

// Kind returns the stable machine-readable name of the error kind, used in
// REST error bodies and CLI messages.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidName):
		return "InvalidName"
	case errors.Is(err, ErrUnsafePath):
		return "UnsafePath"
	case errors.Is(err, ErrUnknownPipeline):
		return "UnknownPipeline"
	case errors.Is(err, ErrUnknownGroup):
		return "UnknownGroup"
	case errors.Is(err, ErrInvalidPolicy):
		return "InvalidPolicy"
	case errors.Is(err, ErrBadConfig):
		return "BadConfig"
	case errors.Is(err, ErrNameTaken):
		return "NameTaken"
	case errors.Is(err, ErrRunInProgress):
		return "RunInProgress"
	case errors.Is(err, ErrRunNotCancellable):
		return "RunNotCancellable"
	case errors.Is(err, ErrIllegalTransition):
		return "IllegalTransition"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrFetchNotFound),
		errors.Is(err, ErrFetchAuthRequired),
		errors.Is(err, ErrFetchTimeout),
		errors.Is(err, ErrFetchChecksumMismatch),
		errors.Is(err, ErrInputFetchFailed):
		return "InputFetchFailed"
	case errors.Is(err, ErrStepFailure):
		return "StepFailure"
	case errors.Is(err, ErrWebhookDelivery):
		return "WebhookDeliveryFailed"
	case errors.Is(err, ErrResultExport):
		return "ResultExportFailed"
	case errors.Is(err, ErrWorkspaceIO):
		return "WorkspaceIOError"
	case errors.Is(err, ErrDatabase):
		return "DatabaseError"
	case errors.Is(err, ErrTimeoutExceeded):
		return "TimeoutExceeded"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	default:
		return "InternalError"
	}
}

// HTTPStatus maps an error to the REST status code of its kind.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case IsValidation(err):
		return http.StatusBadRequest
	case IsState(err):
		return http.StatusConflict
	case errors.Is(err, ErrFetchAuthRequired):
		return http.StatusBadGateway
	case errors.Is(err, ErrInputFetchFailed), errors.Is(err, ErrFetchNotFound),
		errors.Is(err, ErrFetchTimeout), errors.Is(err, ErrFetchChecksumMismatch):
		return http.StatusBadGateway
	case errors.Is(err, ErrResultExport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
