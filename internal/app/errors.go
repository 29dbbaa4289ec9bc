package app

import (
	"errors"
	"fmt"
	"net/http"

	"chronicle/collab/internal/content"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gitrepo.ErrNoHistory):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, content.ErrInvalidDocument), errors.Is(err, gitrepo.ErrInvalidDocumentID):
		return http.StatusBadRequest, "INVALID_DOCUMENT", "Invalid document id", nil
	case errors.Is(err, content.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "CONTENT_TOO_LARGE", "Content too large", map[string]any{"maxBytes": content.MaxBodyBytes}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
