package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Credential failures (401): the client must obtain a new session.

func errCredentialRequired() *DomainError {
	return domainError(http.StatusUnauthorized, "CREDENTIAL_REQUIRED", "A crop session key is required", nil)
}

func errInvalidCredential() *DomainError {
	return domainError(http.StatusUnauthorized, "INVALID_CREDENTIAL", "Unknown crop session", nil)
}

func errCredentialExpired() *DomainError {
	return domainError(http.StatusUnauthorized, "CREDENTIAL_EXPIRED", "Crop session has expired", nil)
}

// Scoping failures (403): the session does not cover the requested target.

func errTenantMismatch() *DomainError {
	return domainError(http.StatusForbidden, "TENANT_MISMATCH", "Crop session belongs to another tenant", nil)
}

func errScopeMismatch() *DomainError {
	return domainError(http.StatusForbidden, "SCOPE_MISMATCH", "Crop session is scoped to a different region", nil)
}

func errScopedSessionCannotCreate() *DomainError {
	return domainError(http.StatusForbidden, "SCOPED_SESSION_CANNOT_CREATE", "A region-scoped session cannot create new regions", nil)
}

func errRegionDocumentMismatch() *DomainError {
	return domainError(http.StatusForbidden, "REGION_DOCUMENT_MISMATCH", "Region does not belong to the session's document", nil)
}

// Quota (429): not retryable with the same token; re-issue a session instead.

func errQuotaExhausted(limit, current int) *DomainError {
	return domainError(http.StatusTooManyRequests, "QUOTA_EXHAUSTED", "Crop session has no operations left", map[string]any{
		"limit":   limit,
		"current": current,
	})
}

// Validation (400): client-fixable input problems.

func errInvalidCoordinates(reason string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_COORDINATES", "Rectangle does not fit the page", map[string]any{
		"reason": reason,
	})
}

func errInvalidPageNumber(pageNumber, pageCount int) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_PAGE_NUMBER", "Page number is outside the document", map[string]any{
		"pageNumber": pageNumber,
		"pageCount":  pageCount,
	})
}

// Not found (404).

func errDocumentNotFound() *DomainError {
	return domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
}

func errRegionNotFound() *DomainError {
	return domainError(http.StatusNotFound, "REGION_NOT_FOUND", "Region not found", nil)
}
