package services

import (
	"errors"
	"fmt"

	"chant-service/database"
)

// Error kinds decide how a failure is surfaced to callers.
const (
	KindValidation = "validation"
	KindConflict   = "conflict"
	KindRetry      = "retry"
	KindNotFound   = "not_found"
)

// Error codes.
const (
	CodeNotVoting           = "CHANT_NOT_VOTING"
	CodeAlreadyVoted        = "ALREADY_VOTED"
	CodeRoundFull           = "ROUND_FULL"
	CodeCellNotVoting       = "CELL_NOT_VOTING"
	CodeDeadlinePassed      = "DEADLINE_PASSED"
	CodeInvalidAllocation   = "INVALID_ALLOCATION"
	CodeDuplicateIdea       = "DUPLICATE_IDEA"
	CodeUnknownIdea         = "UNKNOWN_IDEA"
	CodeNotInCell           = "NOT_IN_CELL"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidSettings     = "INVALID_SETTINGS"
	CodeInvalidText         = "INVALID_TEXT"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeNotEnoughIdeas      = "NOT_ENOUGH_IDEAS"
	CodeSubmissionsClosed   = "SUBMISSIONS_CLOSED"
	CodeInvalidPhase        = "INVALID_PHASE"
	CodeNotAccumulating     = "NOT_ACCUMULATING"
	CodeRetry               = "RETRY"
)

// EngineError is returned for every expected failure of an engine operation.
type EngineError struct {
	Code    string `json:"code"`
	Kind    string `json:"-"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *EngineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy carrying detail.
func (e *EngineError) WithDetail(format string, args ...any) *EngineError {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

var (
	ErrNotVoting           = &EngineError{Code: CodeNotVoting, Kind: KindConflict, Message: "deliberation is not in the voting phase"}
	ErrAlreadyVoted        = &EngineError{Code: CodeAlreadyVoted, Kind: KindConflict, Message: "user already voted at this tier"}
	ErrRoundFull           = &EngineError{Code: CodeRoundFull, Kind: KindConflict, Message: "no ideas available to seed a cell"}
	ErrCellNotVoting       = &EngineError{Code: CodeCellNotVoting, Kind: KindConflict, Message: "cell is not accepting votes"}
	ErrDeadlinePassed      = &EngineError{Code: CodeDeadlinePassed, Kind: KindConflict, Message: "voting deadline has passed"}
	ErrInvalidAllocation   = &EngineError{Code: CodeInvalidAllocation, Kind: KindValidation, Message: "allocations must give every idea at least 1 point and total exactly 10"}
	ErrDuplicateIdea       = &EngineError{Code: CodeDuplicateIdea, Kind: KindValidation, Message: "an idea appears more than once in the allocation"}
	ErrUnknownIdea         = &EngineError{Code: CodeUnknownIdea, Kind: KindValidation, Message: "idea is not part of this cell"}
	ErrNotInCell           = &EngineError{Code: CodeNotInCell, Kind: KindConflict, Message: "user is not a participant of this cell"}
	ErrNotFound            = &EngineError{Code: CodeNotFound, Kind: KindNotFound, Message: "record not found"}
	ErrInvalidSettings     = &EngineError{Code: CodeInvalidSettings, Kind: KindValidation, Message: "invalid deliberation settings"}
	ErrInvalidText         = &EngineError{Code: CodeInvalidText, Kind: KindValidation, Message: "text is empty or too long"}
	ErrDuplicateSubmission = &EngineError{Code: CodeDuplicateSubmission, Kind: KindConflict, Message: "an equivalent idea was already submitted"}
	ErrNotEnoughIdeas      = &EngineError{Code: CodeNotEnoughIdeas, Kind: KindConflict, Message: "at least one idea is required to start voting"}
	ErrSubmissionsClosed   = &EngineError{Code: CodeSubmissionsClosed, Kind: KindConflict, Message: "deliberation no longer accepts ideas"}
	ErrInvalidPhase        = &EngineError{Code: CodeInvalidPhase, Kind: KindConflict, Message: "operation not allowed in the current phase"}
	ErrNotAccumulating     = &EngineError{Code: CodeNotAccumulating, Kind: KindConflict, Message: "deliberation is not accumulating challengers"}
	ErrRetry               = &EngineError{Code: CodeRetry, Kind: KindRetry, Message: "too much contention, retry the request"}
)

// KindOf classifies err for transport layers. Unknown errors return "".
func KindOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, database.ErrConflict) {
		return KindRetry
	}
	return ""
}

// asEngineError maps infrastructure failures onto engine errors.
func asEngineError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrConflict) {
		return ErrRetry.WithDetail("%v", err)
	}
	return err
}
