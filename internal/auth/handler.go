package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

const minPasswordLen = 6

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// session is what register and login hand back: a bearer token usable for
// both the REST API and the websocket, plus the caller's profile.
type session struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (r *registerRequest) normalize() error {
	r.Username = strings.ToLower(strings.TrimSpace(r.Username))
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	switch {
	case r.Username == "" || r.Password == "":
		return errors.New("username and password are required")
	case strings.ContainsAny(r.Username, " \t@/"):
		return errors.New("username may not contain spaces, @ or /")
	case len(r.Password) < minPasswordLen:
		return fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	if r.DisplayName == "" {
		r.DisplayName = r.Username
	}
	return nil
}

// issue signs a token for user and writes the session.
func issue(w http.ResponseWriter, status int, user models.User, jwtSecret string) {
	token, err := GenerateToken(user.ID, user.DisplayName, jwtSecret)
	if err != nil {
		slog.Error("token signing failed", "component", "auth", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, session{Token: token, User: user})
}

// RegisterHandler creates an account and signs the new user in.
func RegisterHandler(store *database.Store, jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := req.normalize(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("password hashing failed", "component", "auth", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		user, err := store.CreateUser(req.Username, req.DisplayName, string(hash))
		switch {
		case errors.Is(err, database.ErrConflict):
			writeError(w, http.StatusConflict, "username already exists")
			return
		case err != nil:
			slog.Error("user creation failed", "component", "auth", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		issue(w, http.StatusCreated, user, jwtSecret)
	}
}

// LoginHandler exchanges a username and password for a token. Unknown users
// and wrong passwords get the same answer.
func LoginHandler(store *database.Store, jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		user, hash, err := store.GetUserByUsername(strings.ToLower(strings.TrimSpace(req.Username)))
		if err == nil {
			err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password))
		}
		switch {
		case err == nil:
			issue(w, http.StatusOK, user, jwtSecret)
		case errors.Is(err, models.ErrNotFound), errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			writeError(w, http.StatusUnauthorized, "invalid username or password")
		default:
			slog.Error("login failed", "component", "auth", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

// MeHandler returns the caller's profile. It must run behind JWTMiddleware.
func MeHandler(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := store.GetUser(claims.UserID)
		if err != nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
