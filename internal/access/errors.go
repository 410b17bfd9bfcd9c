package access

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfeidau/planboard/internal/store"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrNoActiveOrganization = errors.New("no active organization")
	ErrInsufficientRole     = errors.New("insufficient role")

	// ErrNotFound is returned both for missing workspaces and for workspaces the caller is
	// not a member of, including those in other organizations.
	ErrNotFound = fmt.Errorf("workspace access %w", store.ErrNotFound)

	ErrInvalidInput = errors.New("invalid input")
)

// HTTPStatus maps gate and store errors to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoActiveOrganization), errors.Is(err, ErrInsufficientRole):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
