package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/farewell/farewelld/internal/attachment"
	"github.com/farewell/farewelld/internal/identity"
)

var errUploadTooLarge = errors.New("attachment exceeds upload limit")

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) chatOpen(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	v, ok := s.deps.Chat.Open(a)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not available")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) chatList(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	list, ok := s.deps.Chat.ShowList(a)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not available")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) chatConversations(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	writeJSON(w, http.StatusOK, s.deps.Chat.Conversations(a))
}

func (s *Server) chatConversation(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	c, ok := s.deps.Chat.Conversation(a, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) chatOpenConversation(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	c, ok := s.deps.Chat.OpenConversation(a, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) chatSend(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	var (
		text string
		file *attachment.File
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		t, f, err := readMultipartMessage(r, s.deps.MaxUpload)
		switch {
		case errors.Is(err, errUploadTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read multipart message: %v", err))
			return
		}
		text, file = t, f
	} else {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		text = req.Text
	}

	msg, ok := s.deps.Chat.Send(a, r.PathValue("id"), text, file)
	if !ok {
		writeError(w, http.StatusNotFound, "message not sent")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) chatClose(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	if !s.deps.Chat.Close(a, r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readMultipartMessage returns the "text" field and the first file part
// regardless of its field name. The file is buffered so the part reader can be
// released before the engine mints a handle.
func readMultipartMessage(r *http.Request, limit int64) (string, *attachment.File, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", nil, err
	}
	boundary, ok := params["boundary"]
	if !ok {
		return "", nil, fmt.Errorf("missing multipart boundary")
	}

	var (
		text string
		file *attachment.File
	)
	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return text, file, nil
		}
		if err != nil {
			return "", nil, err
		}
		switch {
		case part.FileName() != "" && file == nil:
			var buf bytes.Buffer
			n, err := io.Copy(&buf, io.LimitReader(part, limit+1))
			if err != nil {
				return "", nil, err
			}
			if n > limit {
				return "", nil, errUploadTooLarge
			}
			file = &attachment.File{
				Name:        part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Content:     &buf,
			}
		case part.FileName() == "" && part.FormName() == "text":
			b, err := io.ReadAll(io.LimitReader(part, 64<<10))
			if err != nil {
				return "", nil, err
			}
			text = string(b)
		}
		part.Close()
	}
}
