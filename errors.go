package feedsync

import (
	"errors"
	"fmt"
)

// errors.go provides all custom error types for the feedsync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// session errors. a session error is only recoverable by re-authentication
var (
	ErrSessionExpired = errors.New("session expired")
	ErrNoSession      = errors.New("no active session")
)

// scope errors. forbidden and not-found map to different user-facing
// outcomes and must never be collapsed into one generic error
var (
	ErrScopeForbidden   = errors.New("not a member of this scope")
	ErrScopeNotFound    = errors.New("scope not found")
	ErrScopeInvalidated = errors.New("scope invalidated")
	ErrScopeClosed      = errors.New("scope session closed")
)

// transport errors
var (
	ErrTransportClosed = errors.New("push transport closed")
)

// write errors
var (
	ErrWriteFailed = errors.New("write rejected by the server")
)

type ApiErrorCode string

const (
	ApiErrorUnauthorized ApiErrorCode = "unauthorized"
	ApiErrorForbidden    ApiErrorCode = "forbidden"
	ApiErrorNotFound     ApiErrorCode = "not_found"
	ApiErrorValidation   ApiErrorCode = "validation"
	ApiErrorInternal     ApiErrorCode = "internal"
)

// ApiError carries the machine-distinguishable code from a REST response
type ApiError struct {
	Code    ApiErrorCode
	Message string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("api error (%s): %s", self.Code, self.Message)
}

// Is maps api error codes onto the package sentinels so call sites can use
// errors.Is without inspecting codes
func (self *ApiError) Is(target error) bool {
	switch target {
	case ErrSessionExpired:
		return self.Code == ApiErrorUnauthorized
	case ErrScopeForbidden:
		return self.Code == ApiErrorForbidden
	case ErrScopeNotFound:
		return self.Code == ApiErrorNotFound
	case ErrWriteFailed:
		return self.Code == ApiErrorValidation
	default:
		return false
	}
}
