package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// SearchUsersHandler matches q against usernames and display names. The
// caller is left out of the results.
func SearchUsersHandler(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeJSON(w, http.StatusOK, []models.User{})
			return
		}
		limit := defaultSearchLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxSearchLimit)
		}

		self := userID(r)
		found := store.SearchUsers(q, limit+1)
		out := make([]models.User, 0, len(found))
		for _, u := range found {
			if u.ID != self && len(out) < limit {
				out = append(out, u)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// StartDM returns the direct room between the caller and user_id, creating
// it on first use.
func StartDM(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		self := userID(r)
		if req.UserID == self {
			writeError(w, http.StatusBadRequest, "cannot start a direct room with yourself")
			return
		}

		room, err := store.GetOrCreateDMRoom(self, req.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}
