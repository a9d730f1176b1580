package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

func userID(r *http.Request) string {
	c, _ := auth.ClaimsFrom(r.Context())
	return c.UserID
}

func ListRooms(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.GetRoomsForUser(userID(r)))
	}
}

func CreateRoom(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string          `json:"name"`
			Type models.RoomType `json:"room_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		switch req.Type {
		case "":
			req.Type = models.RoomGroup
		case models.RoomGroup, models.RoomProject:
		default:
			writeError(w, http.StatusBadRequest, "room_type must be group or project")
			return
		}

		room := store.CreateRoom(req.Name, req.Type, userID(r))
		view, err := store.GetRoom(room.ID, userID(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func GetRoom(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]
		uid := userID(r)

		if !store.IsRoomMember(roomID, uid) {
			writeError(w, http.StatusForbidden, "not a member of this room")
			return
		}
		room, err := store.GetRoom(roomID, uid)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func JoinRoom(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.AddRoomMember(mux.Vars(r)["id"], userID(r)); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
	}
}

func LeaveRoom(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.RemoveRoomMember(mux.Vars(r)["id"], userID(r)); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
	}
}

func MarkRead(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]
		var req struct {
			MessageID string `json:"message_id"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		at, err := store.UpdateLastRead(roomID, userID(r), req.MessageID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"room_id":      roomID,
			"last_read_at": at,
		})
	}
}
