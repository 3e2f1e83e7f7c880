package app

import (
	"errors"
	"net/http"

	"cosession/api/internal/collab"
)

var kindStatus = []struct {
	kind   error
	status int
}{
	{collab.ErrValidation, http.StatusBadRequest},
	{collab.ErrAuthorization, http.StatusForbidden},
	{collab.ErrNotFound, http.StatusNotFound},
	{collab.ErrInvalidState, http.StatusConflict},
	{collab.ErrCooldown, http.StatusTooManyRequests},
	{collab.ErrAlreadyGranted, http.StatusConflict},
	{collab.ErrLocked, http.StatusLocked},
	{collab.ErrLockForbidden, http.StatusForbidden},
	{collab.ErrTransport, http.StatusBadGateway},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *collab.DomainError
	if errors.As(err, &domainErr) {
		for _, entry := range kindStatus {
			if errors.Is(domainErr.Kind, entry.kind) {
				return entry.status, domainErr.Code, domainErr.Message, domainErr.Details
			}
		}
		return http.StatusBadRequest, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
