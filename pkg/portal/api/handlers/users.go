package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/filevault/filevault/pkg/portal/api/middleware"
	"github.com/filevault/filevault/pkg/portal/models"
)

// UserAdminStore is the subset of the portal store used by UserHandler.
type UserAdminStore interface {
	ListUsers(ctx context.Context) ([]*models.User, error)
	DeleteUser(ctx context.Context, username string) error
}

// UserHandler handles admin-only user management endpoints.
type UserHandler struct {
	store UserAdminStore
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(s UserAdminStore) *UserHandler {
	return &UserHandler{store: s}
}

// List handles GET /api/v1/users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list users")
		return
	}

	responses := make([]UserResponse, len(users))
	for i, user := range users {
		responses[i] = userToResponse(user)
	}

	WriteJSONOK(w, responses)
}

// Delete handles DELETE /api/v1/users/{username}.
// Admins cannot delete their own account.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	username := chi.URLParam(r, "username")
	if username == claims.Username {
		Conflict(w, "Cannot delete your own account")
		return
	}

	if err := h.store.DeleteUser(r.Context(), username); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			NotFound(w, "User not found")
			return
		}
		InternalServerError(w, "Failed to delete user")
		return
	}

	WriteNoContent(w)
}
