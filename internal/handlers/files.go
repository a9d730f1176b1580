package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

// Upload stores a multipart "file" field and returns its attachment
// reference.
func Upload(store *database.Store, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		f := store.SaveFile(header.Filename, contentType, data)
		writeJSON(w, http.StatusCreated, models.Attachment{
			URL:         "/api/files/" + f.ID,
			Name:        f.Name,
			ContentType: f.ContentType,
			Size:        int64(len(data)),
		})
	}
}

func GetFile(store *database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := store.GetFile(mux.Vars(r)["id"])
		if err != nil {
			writeStoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", f.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
		w.Write(f.Data)
	}
}
