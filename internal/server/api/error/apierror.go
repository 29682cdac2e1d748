// Package apierror builds the problem+json errors returned by the management API.
package apierror

import (
	"errors"

	"github.com/upsip/upsip/apitypes"
)

func newError(status int, title, detail string) *apitypes.ApiError {
	return &apitypes.ApiError{Status: status, Title: title, Detail: detail}
}

func ErrBadRequest(detail string) *apitypes.ApiError { return newError(400, "Bad Request", detail) }
func ErrUnauthorized(detail string) *apitypes.ApiError { return newError(401, "Unauthorized", detail) }
func ErrNotFound(detail string) *apitypes.ApiError { return newError(404, "Not Found", detail) }
func ErrConflict(detail string) *apitypes.ApiError { return newError(409, "Conflict", detail) }
func ErrInternal(detail string) *apitypes.ApiError { return newError(500, "Internal Server Error", detail) }

// WrapError normalizes any error into *apitypes.ApiError.
// Errors that are not already API errors become 500s.
func WrapError(err error) *apitypes.ApiError {
	if err == nil {
		return nil
	}
	var ae *apitypes.ApiError
	if errors.As(err, &ae) {
		return ae
	}
	var v apitypes.ApiError
	if errors.As(err, &v) {
		return &v
	}
	return ErrInternal(err.Error())
}
