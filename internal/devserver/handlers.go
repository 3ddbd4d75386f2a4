package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"classchat/internal/domain"
	"classchat/internal/metrics"
	"classchat/internal/upload"
)

const (
	defaultHistoryLimit = 40
	maxHistoryLimit     = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev fixture; any local origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	convID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, s.store.Info(convID, ident.UserID))
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	convID := mux.Vars(r)["id"]

	if s.store.Muted(convID, ident.UserID) {
		writeError(w, http.StatusForbidden, domain.KindMuted, "you are muted in this conversation")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, "could not read request body")
		return
	}
	var draft domain.Draft
	if err := json.Unmarshal(body, &draft); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, "request body is not valid json")
		return
	}
	if draft.Empty() {
		writeError(w, http.StatusUnprocessableEntity, domain.KindValidation, "message needs text or an attachment")
		return
	}

	msg := s.store.Append(convID, domain.Message{
		Author:      domain.Author{ID: ident.UserID, Name: ident.Name},
		Content:     draft.Content,
		Attachments: draft.Attachments,
		ReplyTo:     draft.ReplyTo,
	})
	metrics.MessagesTotal.Inc()
	s.logger.Info("message created", "conversation", convID, "id", msg.ID, "author", ident.UserID)

	s.hub.broadcast(convID, domain.Event{
		Type:         domain.EventMessageCreated,
		Conversation: convID,
		Message:      &msg,
	})
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusUnprocessableEntity, domain.KindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, hasMore, err := s.store.Page(convID, limit, r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusNotFound, domain.KindNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.HistoryPage{Messages: msgs, HasMore: hasMore})
}

// handleTyping acknowledges unconditionally; a muted user's signal is simply
// not forwarded.
func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	convID := mux.Vars(r)["id"]

	if !s.store.Muted(convID, ident.UserID) {
		metrics.TypingTotal.Inc()
		s.hub.broadcast(convID, domain.Event{
			Type:         domain.EventTyping,
			Conversation: convID,
			Typing:       &domain.TypingEvent{UserID: ident.UserID, UserName: ident.Name},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	msgID := mux.Vars(r)["id"]

	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Emoji == "" {
		writeError(w, http.StatusUnprocessableEntity, domain.KindValidation, "emoji is required")
		return
	}

	msg, added, ok := s.store.ToggleReaction(msgID, body.Emoji, ident.UserID)
	if !ok {
		writeError(w, http.StatusNotFound, domain.KindNotFound, "no such message")
		return
	}
	metrics.ReactionsTotal.Inc()

	if added {
		s.hub.broadcast(msg.Conversation, domain.Event{
			Type:         domain.EventReactionAdded,
			Conversation: msg.Conversation,
			Reaction: &domain.ReactionEvent{
				MessageID: msgID,
				Emoji:     body.Emoji,
				UserID:    ident.UserID,
				UserName:  ident.Name,
			},
		})
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Generous ceiling; the real size check below produces the useful error.
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.uploadMax+maxBodyBytes)

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, domain.KindValidation, "multipart field \"file\" is required")
		return
	}
	defer f.Close()

	name := filepath.Base(header.Filename)
	mimeType := header.Header.Get("Content-Type")
	kind, ok := upload.KindForMime(mimeType)
	if !ok {
		// Plain curl often omits a usable part content type.
		kind, mimeType, ok = upload.DetectType(name)
	}
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, domain.KindValidation,
			fmt.Sprintf("%s is not an accepted image or video", name))
		return
	}
	if err := upload.CheckSize(name, header.Size, s.uploadMax); err != nil {
		writeError(w, http.StatusUnprocessableEntity, domain.KindValidation, err.Error())
		return
	}

	storedName := uuid.NewString() + filepath.Ext(name)
	dst := filepath.Join(s.uploadDir, storedName)
	out, err := os.Create(dst)
	if err != nil {
		s.logger.Error("create upload file", "path", dst, "error", err)
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "could not store file")
		return
	}
	written, err := io.Copy(out, f)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		s.logger.Error("store upload", "path", dst, "error", err)
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "could not store file")
		return
	}

	metrics.UploadsTotal.Inc()
	s.logger.Info("upload stored", "name", name, "size", written, "as", storedName)

	writeJSON(w, http.StatusCreated, domain.Attachment{
		URL:      "/uploads/" + storedName,
		Name:     name,
		Kind:     kind,
		Size:     written,
		MimeType: mimeType,
	})
}

// handleMute flips a participant's mute flag. There is no moderator concept
// in the dev fixture, so any authenticated caller may use it.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]

	var body struct {
		UserID string `json:"user_id"`
		Muted  bool   `json:"muted"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, domain.KindValidation, "user_id is required")
		return
	}

	s.store.SetMuted(convID, body.UserID, body.Muted)
	s.logger.Info("mute updated", "conversation", convID, "user", body.UserID, "muted", body.Muted)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents upgrades to a websocket and streams conversation events until
// the peer goes away. The server pings well inside the client's read
// deadline; inbound frames are drained and ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "conversation", convID, "error", err)
		return
	}

	clientID := s.hub.add(convID, conn)
	metrics.WSConnections.Inc()
	s.logger.Info("events subscriber connected", "conversation", convID, "client", clientID)
	defer func() {
		s.hub.remove(clientID)
		metrics.WSConnections.Dec()
		conn.Close()
		s.logger.Info("events subscriber disconnected", "client", clientID)
	}()

	conn.SetReadDeadline(time.Now().Add(hubPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(conn, stop)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(hubPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
