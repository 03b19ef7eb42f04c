// ABOUTME: JSON API for the conversation directory - the list view's read model.
// ABOUTME: Create-or-get keeps repeated "chat with this vendor" calls on one conversation.

package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/bazaar-relay/internal/store"
)

// conversationJSON is the wire form of a directory entry
type conversationJSON struct {
	ID                 string         `json:"id"`
	VendorID           string         `json:"vendor_id,omitempty"`
	Participants       []string       `json:"participants"`
	LastMessagePreview string         `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time     `json:"last_message_at,omitempty"`
	UnreadCounts       map[string]int `json:"unread_counts"`
	CreatedAt          time.Time      `json:"created_at"`
}

func toConversationJSON(c *store.Conversation) *conversationJSON {
	out := &conversationJSON{
		ID:                 c.ID,
		VendorID:           c.VendorID,
		Participants:       c.Participants,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCounts:       c.Unread,
		CreatedAt:          c.CreatedAt,
	}
	if !c.LastMessageAt.IsZero() {
		t := c.LastMessageAt
		out.LastMessageAt = &t
	}
	return out
}

// createConversationRequest is the POST /api/conversations body
type createConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	VendorID       string   `json:"vendor_id,omitempty"`
}

// handleConversations serves the directory:
//
//	GET  /api/conversations        list the caller's conversations, most recent first
//	POST /api/conversations        create or fetch the conversation for a participant set
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listConversations(w, r, userID)
	case http.MethodPost:
		s.createConversation(w, r, userID)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	convs, err := s.directory.ListConversations(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("listing conversations failed", "user_id", userID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "temporary failure")
		return
	}

	out := make([]*conversationJSON, len(convs))
	for i, c := range convs {
		out[i] = toConversationJSON(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Callers may only open conversations they are part of
	isMember := false
	for _, id := range req.ParticipantIDs {
		if id == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		writeJSONError(w, http.StatusForbidden, "caller must be a participant")
		return
	}

	conv, err := s.directory.CreateOrGetConversation(r.Context(), req.ParticipantIDs, req.VendorID)
	if err != nil {
		if errors.Is(err, store.ErrConversationInvalid) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("creating conversation failed", "user_id", userID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "temporary failure")
		return
	}

	writeJSON(w, http.StatusOK, toConversationJSON(conv))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
