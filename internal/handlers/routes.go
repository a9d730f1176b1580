package handlers

import (
	"github.com/gorilla/mux"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/database"
)

// Mount registers the REST collaborator API under /api.
func Mount(router *mux.Router, store *database.Store, jwtSecret string, maxUpload int64) {
	router.HandleFunc("/api/auth/register", auth.RegisterHandler(store, jwtSecret)).Methods("POST")
	router.HandleFunc("/api/auth/login", auth.LoginHandler(store, jwtSecret)).Methods("POST")

	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(auth.JWTMiddleware(jwtSecret))

	protected.HandleFunc("/auth/me", auth.MeHandler(store)).Methods("GET")
	protected.HandleFunc("/rooms", ListRooms(store)).Methods("GET")
	protected.HandleFunc("/rooms", CreateRoom(store)).Methods("POST")
	protected.HandleFunc("/rooms/{id}", GetRoom(store)).Methods("GET")
	protected.HandleFunc("/rooms/{id}/join", JoinRoom(store)).Methods("POST")
	protected.HandleFunc("/rooms/{id}/leave", LeaveRoom(store)).Methods("DELETE")
	protected.HandleFunc("/rooms/{id}/messages", GetMessages(store)).Methods("GET")
	protected.HandleFunc("/rooms/{id}/read", MarkRead(store)).Methods("POST")
	protected.HandleFunc("/messages", SendMessage(store)).Methods("POST")
	protected.HandleFunc("/uploads", Upload(store, maxUpload)).Methods("POST")
	protected.HandleFunc("/files/{id}", GetFile(store)).Methods("GET")
	protected.HandleFunc("/dm", StartDM(store)).Methods("POST")
	protected.HandleFunc("/users/search", SearchUsersHandler(store)).Methods("GET")
}
