package dynamicoidc

import "fmt"

// ErrorCode identifies a callback or verification failure. The set is fixed:
// callers map codes to generic user-facing messages and must never surface
// provider internals. Codes are deliberately fine-grained so failures stay
// debuggable from the sign-in redirect alone.
type ErrorCode string

const (
	CodeAuthError           ErrorCode = "oidc_auth_error"
	CodeMissingParams       ErrorCode = "missing_params"
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeStateExpired        ErrorCode = "state_expired"
	CodeProviderNotFound    ErrorCode = "provider_not_found"
	CodeTokenExchangeFailed ErrorCode = "token_exchange_failed"
	CodeInvalidIDToken      ErrorCode = "invalid_id_token"
	CodeInvalidIssuer       ErrorCode = "invalid_issuer"
	CodeInvalidAudience     ErrorCode = "invalid_audience"
	CodeInvalidNonce        ErrorCode = "invalid_nonce"
	CodeTokenExpired        ErrorCode = "token_expired"
	CodeUserinfoFetchFailed ErrorCode = "userinfo_fetch_failed"
	CodeNoUserInfo          ErrorCode = "no_user_info"
	CodeNoEmail             ErrorCode = "no_email"
	CodeNoWorkspaceAccess   ErrorCode = "no_workspace_access"
	CodeInternalError       ErrorCode = "internal_error"
)

// AuthError is the typed failure result of a callback step. Message is safe
// to show to the user; the wrapped cause is for logs only. CallbackURL, when
// set, echoes the validated return URL so the sign-in page can offer a retry
// link.
type AuthError struct {
	Code        ErrorCode
	Message     string
	CallbackURL string
	cause       error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

func authErr(code ErrorCode, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

func authErrWrap(code ErrorCode, message string, cause error) *AuthError {
	return &AuthError{Code: code, Message: message, cause: cause}
}
