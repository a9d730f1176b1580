package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

const secret = "test-secret"

type fixture struct {
	router *mux.Router
	store  *database.Store
	al, bo models.User
	room   models.Room
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewStore()
	al, err := store.CreateUser("al", "Al", "")
	require.NoError(t, err)
	bo, err := store.CreateUser("bo", "Bo", "")
	require.NoError(t, err)
	room := store.CreateRoom("general", models.RoomGroup, al.ID)
	require.NoError(t, store.AddRoomMember(room.ID, bo.ID))

	tok, err := auth.GenerateToken(al.ID, al.DisplayName, secret)
	require.NoError(t, err)

	router := mux.NewRouter()
	Mount(router, store, secret, 1<<20)
	return &fixture{router: router, store: store, al: al, bo: bo, room: room, token: tok}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendAndPage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/messages", sendRequest{RoomID: f.room.ID, Content: "hi", ClientTempID: "t1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sent models.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sent))
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, "t1", sent.ClientTempID)

	rec = f.do(http.MethodPost, "/api/messages", sendRequest{RoomID: f.room.ID, Content: "hi", ClientTempID: "t1"})
	assert.Equal(t, http.StatusOK, rec.Code, "retry with the same temp id")

	rec = f.do(http.MethodPost, "/api/messages", sendRequest{RoomID: f.room.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/rooms/"+f.room.ID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.MessagePage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, sent.ID, page.Messages[0].ID)
	assert.False(t, page.HasMore)
}

func TestListRoomsAndRead(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.CreateMessage(database.NewMessage{RoomID: f.room.ID, SenderID: f.bo.ID, Content: "yo"})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rooms []models.Room
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].UnreadCount)

	rec = f.do(http.MethodPost, "/api/rooms/"+f.room.ID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.store.GetUnreadCount(f.room.ID, f.al.ID))

	rec = f.do(http.MethodGet, "/api/rooms/nope/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadAndFetch(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "note.txt")
	require.NoError(t, err)
	part.Write([]byte("hello file"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var att models.Attachment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&att))
	assert.Equal(t, "note.txt", att.Name)
	assert.EqualValues(t, 10, att.Size)

	rec = f.do(http.MethodGet, att.URL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello file", rec.Body.String())
}

func TestCreateRoomAndDM(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/rooms", map[string]string{"name": "proj", "room_type": "project"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/api/rooms", map[string]string{"name": "x", "room_type": "direct"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/dm", map[string]string{"user_id": f.bo.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var dm models.Room
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dm))
	assert.Equal(t, models.RoomDirect, dm.Type)
	require.NotNil(t, dm.OtherUser)
	assert.Equal(t, "Bo", dm.OtherUser.DisplayName)
}

func TestSearchUsersSkipsCaller(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/users/search?q=", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	_, err := f.store.CreateUser("alma", "Alma", "")
	require.NoError(t, err)
	rec = f.do(http.MethodGet, "/api/users/search?q=al", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, 1)
	assert.Equal(t, "Alma", users[0].DisplayName)

	rec = f.do(http.MethodGet, "/api/users/search?q=al&limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/dm", map[string]string{"user_id": f.al.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
