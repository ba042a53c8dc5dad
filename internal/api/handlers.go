// Package api provides HTTP handlers for ZapFlow endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
)

// inboundRequest is the webhook payload for an inbound message.
type inboundRequest struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ChannelID      string `json:"channel_id"`
	From           string `json:"from"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	MediaKind      string `json:"media_kind,omitempty"`
}

func (s *Server) messageWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messageWebhookHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messageWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ConversationID == "" || req.ChannelID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_id and channel_id are required"))
		return
	}

	msg := models.InboundMessage{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		ChannelID:      req.ChannelID,
		From:           req.From,
		Text:           req.Text,
		MediaURL:       req.MediaURL,
		MediaKind:      req.MediaKind,
		ReceivedAt:     time.Now(),
	}
	if err := s.engine.HandleInbound(r.Context(), msg); err != nil {
		slog.Error("Server.messageWebhookHandler: engine failed", "error", err, "conversationID", req.ConversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted("Message processed"))
}

// paymentWebhookRequest is the payment gateway confirmation payload. The
// external reference carries the conversation id set at charge creation.
type paymentWebhookRequest struct {
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
}

func (s *Server) paymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.paymentWebhookHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.paymentWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ExternalReference == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("external_reference is required"))
		return
	}

	outcome := models.PaymentFailed
	if req.Status == "approved" {
		outcome = models.PaymentApproved
	}
	if err := s.engine.ResumePayment(r.Context(), req.ExternalReference, outcome); err != nil {
		slog.Error("Server.paymentWebhookHandler: engine failed", "error", err, "conversationID", req.ExternalReference)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process payment callback"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted("Payment outcome processed"))
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.flowsHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("Server.flowsHandler: failed to decode flow", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow definition: "+err.Error()))
		return
	}
	if f.ID == "" || f.ChannelID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("id and channel_id are required"))
		return
	}
	if err := f.Validate(); err != nil {
		slog.Warn("Server.flowsHandler: flow validation failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.SaveFlow(f); err != nil {
		slog.Error("Server.flowsHandler: failed to save flow", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.flowsHandler: flow saved", "flowID", f.ID, "name", f.Name, "active", f.Active)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"id": f.ID}))
}

func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.conversationHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid conversation id"))
		return
	}
	state, err := s.store.GetConversation(id)
	if err != nil {
		slog.Error("Server.conversationHandler: failed to load conversation", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
