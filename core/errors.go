package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput                = "QBSYNC_BAD_INPUT"
	ErrorExchangeRejected        = "QBSYNC_EXCHANGE_REJECTED"
	ErrorMalformedTokenResponse  = "QBSYNC_MALFORMED_TOKEN_RESPONSE"
	ErrorReauthorizationRequired = "QBSYNC_REAUTHORIZATION_REQUIRED"
	ErrorPersistence             = "QBSYNC_PERSISTENCE_ERROR"
	ErrorTransport               = "QBSYNC_TRANSPORT_ERROR"
	ErrorClassificationUnknown   = "QBSYNC_CLASSIFICATION_UNKNOWN"
	ErrorOAuthStateInvalid       = "QBSYNC_OAUTH_STATE_INVALID"
	ErrorRefreshLocked           = "QBSYNC_REFRESH_LOCKED"
	ErrorNotFound                = "QBSYNC_NOT_FOUND"
	ErrorInternal                = "QBSYNC_INTERNAL_ERROR"
)

func NewExchangeRejectedError(rejection TokenRejected) *goerrors.Error {
	return newServiceError("core: authorization code exchange rejected", goerrors.CategoryAuth, ErrorExchangeRejected).
		WithMetadata(rejection.metadata())
}

func NewReauthorizationRequiredError(rejection TokenRejected) *goerrors.Error {
	return newServiceError("core: refresh token rejected, reauthorization required", goerrors.CategoryAuth, ErrorReauthorizationRequired).
		WithMetadata(rejection.metadata())
}

func NewMalformedTokenResponseError(operation string, granted TokenGranted) *goerrors.Error {
	return newServiceError("core: token response is missing the access or refresh token", goerrors.CategoryExternal, ErrorMalformedTokenResponse).
		WithCode(http.StatusBadGateway).
		WithMetadata(map[string]any{
			"operation":         operation,
			"has_access_token":  strings.TrimSpace(granted.AccessToken) != "",
			"has_refresh_token": strings.TrimSpace(granted.RefreshToken) != "",
		})
}

func NewPersistenceError(source error, message string) *goerrors.Error {
	return wrapServiceError(source, goerrors.CategoryInternal, ErrorPersistence, message)
}

func NewTransportError(source error, message string) *goerrors.Error {
	return wrapServiceError(source, goerrors.CategoryExternal, ErrorTransport, message).
		WithCode(http.StatusBadGateway)
}

func NewClassificationUnknownError(statuses []int) *goerrors.Error {
	return newServiceError("core: sync response could not be classified", goerrors.CategoryOperation, ErrorClassificationUnknown).
		WithCode(http.StatusUnprocessableEntity).
		WithMetadata(map[string]any{"status_codes": append([]int(nil), statuses...)})
}

// HasErrorCode reports whether err carries the given text code anywhere in
// its chain.
func HasErrorCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(richErr.TextCode), strings.TrimSpace(textCode))
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "oauth state"):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ErrorOAuthStateInvalid)
	case strings.Contains(msg, "lock already held"), strings.Contains(msg, "refresh lock"):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ErrorRefreshLocked)
	case strings.Contains(msg, "invalid_grant"):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ErrorReauthorizationRequired)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func wrapServiceError(source error, category goerrors.Category, textCode string, message string) *goerrors.Error {
	if source == nil {
		return newServiceError(message, category, textCode)
	}
	return ensureServiceErrorEnvelope(
		goerrors.Wrap(source, category, message).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorReauthorizationRequired
	case goerrors.CategoryConflict:
		return ErrorRefreshLocked
	case goerrors.CategoryExternal:
		return ErrorTransport
	default:
		return ErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
