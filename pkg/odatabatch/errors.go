/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind discriminates the failure taxonomy of an OData batch read.
type ErrorKind string

const (
	ErrMalformedFraming         ErrorKind = "MalformedFraming"
	ErrInvalidHTTPVersion       ErrorKind = "InvalidHttpVersion"
	ErrInvalidRequestLine       ErrorKind = "InvalidRequestLine"
	ErrInvalidResponseLine      ErrorKind = "InvalidResponseLine"
	ErrInvalidHTTPMethod        ErrorKind = "InvalidHttpMethod"
	ErrQueryMethodInChangeset   ErrorKind = "QueryMethodInChangeset"
	ErrMissingContentID         ErrorKind = "MissingContentId"
	ErrDuplicateContentID       ErrorKind = "DuplicateContentId"
	ErrNestedChangesetNotAllowed ErrorKind = "NestedChangesetNotAllowed"
	ErrMissingRequiredProperty  ErrorKind = "MissingRequiredProperty"
	ErrUnexpectedTopLevelProperty ErrorKind = "UnexpectedTopLevelProperty"
	ErrSelfReference            ErrorKind = "SelfReference"
	ErrSelfGroupReference       ErrorKind = "SelfGroupReference"
	ErrMustReferenceGroup       ErrorKind = "MustReferenceGroup"
	ErrForwardReferenceNotAllowed ErrorKind = "ForwardReferenceNotAllowed"
	ErrUnresolvedContentID       ErrorKind = "UnresolvedContentId"
	ErrInvalidReaderState        ErrorKind = "InvalidReaderState"
	ErrQuotaExceeded             ErrorKind = "QuotaExceeded"
	ErrStreamAborted             ErrorKind = "StreamAborted"
)

// defaultHTTPStatus maps each Kind to the status a caller would most likely
// want to answer with, mirroring coreutils.SysError's HTTPStatus field.
var defaultHTTPStatus = map[ErrorKind]int{
	ErrMalformedFraming:           http.StatusBadRequest,
	ErrInvalidHTTPVersion:         http.StatusBadRequest,
	ErrInvalidRequestLine:         http.StatusBadRequest,
	ErrInvalidResponseLine:        http.StatusBadRequest,
	ErrInvalidHTTPMethod:          http.StatusBadRequest,
	ErrQueryMethodInChangeset:     http.StatusBadRequest,
	ErrMissingContentID:           http.StatusBadRequest,
	ErrDuplicateContentID:         http.StatusBadRequest,
	ErrNestedChangesetNotAllowed:  http.StatusBadRequest,
	ErrMissingRequiredProperty:    http.StatusBadRequest,
	ErrUnexpectedTopLevelProperty: http.StatusBadRequest,
	ErrSelfReference:              http.StatusBadRequest,
	ErrSelfGroupReference:         http.StatusBadRequest,
	ErrMustReferenceGroup:         http.StatusBadRequest,
	ErrForwardReferenceNotAllowed: http.StatusBadRequest,
	ErrUnresolvedContentID:        http.StatusBadRequest,
	ErrInvalidReaderState:         http.StatusInternalServerError,
	ErrQuotaExceeded:              http.StatusRequestEntityTooLarge,
	ErrStreamAborted:              http.StatusInternalServerError,
}

// ODataBatchError is the single error type the reader ever returns to a
// caller. It follows coreutils.SysError's shape: a status code callers can
// answer with directly, plus a message, with the taxonomy Kind as the
// only thing a caller should match on.
type ODataBatchError struct {
	Kind       ErrorKind
	HTTPStatus int
	Message    string
	cause      error
}

func newBatchError(kind ErrorKind, format string, args ...interface{}) *ODataBatchError {
	return &ODataBatchError{
		Kind:       kind,
		HTTPStatus: defaultHTTPStatus[kind],
		Message:    fmt.Sprintf(format, args...),
	}
}

func wrapBatchError(kind ErrorKind, cause error, format string, args ...interface{}) *ODataBatchError {
	e := newBatchError(kind, format, args...)
	e.cause = cause
	return e
}

func (e *ODataBatchError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ODataBatchError) Unwrap() error {
	return e.cause
}

// Is lets callers write errors.Is(err, odatabatch.ErrQuotaExceeded) style
// checks against the Kind alone, without constructing an *ODataBatchError.
func (e *ODataBatchError) Is(target error) bool {
	var other *ODataBatchError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// AsBatchError normalizes any error crossing the façade's boundary into an
// *ODataBatchError, the way coreutils.WrapSysError normalizes into SysError.
func AsBatchError(err error, defaultKind ErrorKind) *ODataBatchError {
	if err == nil {
		return nil
	}
	var existing *ODataBatchError
	if errors.As(err, &existing) {
		return existing
	}
	return wrapBatchError(defaultKind, err, "%s", err.Error())
}
