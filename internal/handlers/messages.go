package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func GetMessages(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]

		if !store.IsRoomMember(roomID, userID(r)) {
			writeError(w, http.StatusForbidden, "not a member of this room")
			return
		}

		limit := defaultPageSize
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxPageSize {
				limit = l
			}
		}

		msgs, next, more, err := store.GetMessages(roomID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, models.MessagePage{Messages: msgs, NextCursor: next, HasMore: more})
	}
}

type sendRequest struct {
	RoomID       string             `json:"room_id"`
	Content      string             `json:"content"`
	ReplyTo      string             `json:"reply_to,omitempty"`
	ClientTempID string             `json:"client_temp_id,omitempty"`
	Attachment   *models.Attachment `json:"attachment,omitempty"`
}

// SendMessage is the primary send path. Retries carrying the same
// client_temp_id return the original message.
func SendMessage(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RoomID == "" {
			writeError(w, http.StatusBadRequest, "room_id is required")
			return
		}

		msg, created, err := store.CreateMessage(database.NewMessage{
			RoomID:       req.RoomID,
			SenderID:     userID(r),
			Content:      req.Content,
			ReplyTo:      req.ReplyTo,
			ClientTempID: req.ClientTempID,
			Attachment:   req.Attachment,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}

		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		slog.Debug("message stored", "room_id", msg.RoomID, "message_id", msg.ID, "temp_id", req.ClientTempID)
		writeJSON(w, status, msg)
	}
}
