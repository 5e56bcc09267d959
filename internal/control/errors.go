package control

import "net/http"

// Error codes shared by the streaming and REST surfaces. The namespace
// prefix determines the HTTP status class on REST paths.
const (
	CodeAuthMissingToken = "AUTH_MISSING_TOKEN"
	CodeAuthInvalidToken = "AUTH_INVALID_TOKEN"
	CodeAuthExpiredToken = "AUTH_EXPIRED_TOKEN"
	CodeAuthForbidden    = "AUTH_FORBIDDEN"

	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionInactive      = "SESSION_INACTIVE"
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
	CodeSessionIDExhaustion  = "SESSION_ID_EXHAUSTION"

	CodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	CodeConnectionExpired  = "CONNECTION_EXPIRED"

	CodeAudioInvalidFormat  = "AUDIO_INVALID_FORMAT"
	CodeAudioBufferOverflow = "AUDIO_BUFFER_OVERFLOW"

	CodeValidationBadAction   = "VALIDATION_BAD_ACTION"
	CodeValidationBadLanguage = "VALIDATION_BAD_LANGUAGE"
	CodeValidationBadTier     = "VALIDATION_BAD_QUALITY_TIER"
	CodeValidationBadVolume   = "VALIDATION_BAD_VOLUME"

	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeRateLimitAudioChunks = "RATE_LIMIT_AUDIO_CHUNKS"
	CodeRateLimitClosed      = "RATE_LIMIT_CONNECTION_CLOSED"

	CodeInternal = "INTERNAL_ERROR"
)

// HTTPStatus maps an error code to its REST status.
func HTTPStatus(code string) int {
	switch code {
	case CodeAuthMissingToken, CodeAuthInvalidToken, CodeAuthExpiredToken:
		return http.StatusUnauthorized
	case CodeAuthForbidden:
		return http.StatusForbidden
	case CodeSessionNotFound, CodeConnectionNotFound:
		return http.StatusNotFound
	case CodeSessionInactive, CodeConnectionExpired:
		return http.StatusGone
	case CodeValidationBadAction, CodeValidationBadLanguage,
		CodeValidationBadTier, CodeValidationBadVolume,
		CodeAudioInvalidFormat:
		return http.StatusBadRequest
	case CodeSessionAlreadyActive:
		return http.StatusConflict
	case CodeRateLimitExceeded, CodeRateLimitAudioChunks, CodeRateLimitClosed:
		return http.StatusTooManyRequests
	case CodeSessionIDExhaustion:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
