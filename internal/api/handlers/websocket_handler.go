package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/query"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/logger"
)

type WebSocketHandler struct {
	queryEngine Answerer
}

func NewWebSocketHandler(queryEngine Answerer) *WebSocketHandler {
	return &WebSocketHandler{
		queryEngine: queryEngine,
	}
}

type wsMessage struct {
	Type      string `json:"type"`
	Query     string `json:"query"`
	Species   string `json:"species"`
	FocusArea string `json:"focus_area"`
	UserID    string `json:"user_id"`
}

// HandleConnection answers query messages until the client disconnects. Each
// query streams its state transitions, the answer words, then a complete frame.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "query" {
			continue
		}

		logger.Info("Processing WebSocket query", zap.String("query", msg.Query))

		req := models.QueryRequest{
			Query:     msg.Query,
			Species:   msg.Species,
			FocusArea: models.FocusArea(msg.FocusArea),
			UserID:    msg.UserID,
		}
		if err := h.streamResponse(c, req); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			if errors.Is(err, query.ErrEmptyQuery) {
				h.sendError(c, "Query is required")
				continue
			}
			h.sendError(c, "Failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, req models.QueryRequest) error {
	ctx := context.Background()

	var writeErr error
	progress := func(state models.QueryState) {
		if writeErr == nil {
			writeErr = c.WriteJSON(map[string]interface{}{
				"type":  "state",
				"state": state,
			})
		}
	}

	result, err := h.queryEngine.AnswerWithProgress(ctx, req, progress)
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	words := splitIntoWords(result.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendChunk(c, chunk); err != nil {
			return err
		}
	}

	return h.sendComplete(c, result)
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    "chunk",
		"content": content,
	})
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, result *models.QueryResult) error {
	return c.WriteJSON(map[string]interface{}{
		"type":           "complete",
		"message_id":     result.ID,
		"state":          result.State,
		"confidence":     result.Confidence,
		"low_confidence": result.LowConfidence,
		"failure_reason": result.FailureReason,
		"chunk_ids":      result.SupportingChunkIDs,
		"sources":        result.Sources,
		"latency_ms":     result.LatencyMS,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}

func splitIntoWords(text string) []string {
	words := []string{}
	var current []rune

	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}

	for _, char := range text {
		switch char {
		case ' ', '\t':
			flush()
		case '\n':
			flush()
			words = append(words, "\n")
		default:
			current = append(current, char)
		}
	}
	flush()

	return words
}
