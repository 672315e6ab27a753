package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/AnshRaj112/clara-backend/internal/media"
	"github.com/AnshRaj112/clara-backend/internal/middleware"
	"github.com/AnshRaj112/clara-backend/internal/store"
)

const (
	maxNameRunes = 80
	maxNoteRunes = 2000
	maxZoneRunes = 64
)

// ProfileRequest edits any subset of the profile fields.
type ProfileRequest struct {
	Name     *string `json:"name"`
	Timezone *string `json:"timezone"`
	Note     *string `json:"note"`
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	ok(w, "", h.conv.Profile(r.Context(), sess.ChatID))
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	var req ProfileRequest
	if !decode(w, r, &req) {
		return
	}

	var update store.ProfileUpdate
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if utf8.RuneCountInString(name) > maxNameRunes {
			fail(w, http.StatusBadRequest, "Name is too long.")
			return
		}
		update.Name = &name
	}
	if req.Timezone != nil {
		// free text is allowed; unknown places are described rather than converted
		tz := strings.TrimSpace(*req.Timezone)
		if utf8.RuneCountInString(tz) > maxZoneRunes {
			fail(w, http.StatusBadRequest, "Time zone is too long.")
			return
		}
		update.Timezone = &tz
	}
	if req.Note != nil {
		note := strings.TrimSpace(*req.Note)
		if utf8.RuneCountInString(note) > maxNoteRunes {
			fail(w, http.StatusBadRequest, "Note is too long.")
			return
		}
		update.Note = &note
	}

	h.conv.SaveProfile(r.Context(), sess.ChatID, update)
	ok(w, "Profile saved", h.conv.Profile(r.Context(), sess.ChatID))
}

// UploadAvatar stores a profile picture sent as the multipart field "file".
func (h *Handler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())
	if !h.avatars.Enabled() {
		fail(w, http.StatusServiceUnavailable, "Profile pictures are not available right now.")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, media.MaxAvatarBytes+(1<<20))
	file, _, err := r.FormFile("file")
	if err != nil {
		fail(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	url, err := h.avatars.Put(r.Context(), sess.ChatID, file)
	switch {
	case errors.Is(err, media.ErrTooLarge), errors.Is(err, media.ErrNotAnImage):
		fail(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("user_id", sess.ChatID).Msg("avatar upload failed")
		fail(w, http.StatusBadGateway, "Failed to upload file")
		return
	}

	h.conv.SaveProfile(r.Context(), sess.ChatID, store.ProfileUpdate{AvatarURL: &url})
	ok(w, "File uploaded successfully", map[string]string{"url": url})
}
