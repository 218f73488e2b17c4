package push

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// Handler exposes the push API over HTTP.
type Handler struct {
	api    *API
	apiKey string
}

// NewHandler wires the HTTP surface. An empty apiKey disables key checks,
// intended for development only.
func NewHandler(api *API, apiKey string) *Handler {
	return &Handler{api: api, apiKey: apiKey}
}

// RegisterRoutes mounts the push endpoints on a router group. Callers attach
// rate limiting middleware to the group before calling this.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.Use(h.requireAPIKey(), requireJSON())

	rg.POST("/push", h.pushToUser)
	rg.POST("/push/users", h.pushToUsers)
	rg.POST("/broadcast", h.broadcastToRoom)
	rg.POST("/broadcast/all", h.broadcastToAll)
	rg.POST("/notify", h.notify)
}

// requireAPIKey rejects requests without the configured key. Comparison is
// constant time.
func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.apiKey == "" {
			c.Next()
			return
		}

		supplied := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"code":    "UNAUTHORIZED",
				"error":   "invalid or missing API key",
			})
			return
		}
		c.Next()
	}
}

// requireJSON enforces a JSON content type on mutating endpoints.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		ct := c.GetHeader("Content-Type")
		if !strings.Contains(ct, "application/json") {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"success": false,
				"code":    "UNSUPPORTED_MEDIA_TYPE",
				"error":   "Content-Type must be application/json",
			})
			return
		}
		c.Next()
	}
}

type pushRequest struct {
	UserID   string `json:"userId"`
	Event    string `json:"event"`
	Payload  any    `json:"payload"`
	Volatile bool   `json:"volatile"`
}

func (h *Handler) pushToUser(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("request body is not valid JSON"))
		return
	}

	var missing []string
	if req.UserID == "" {
		missing = append(missing, "userId")
	}
	if req.Event == "" {
		missing = append(missing, "event")
	}
	if len(missing) > 0 {
		writeError(c, apperrors.MissingFields(missing...))
		return
	}

	result, err := h.api.PushToUser(c.Request.Context(), types.UserIDType(req.UserID), req.Event, req.Payload, req.Volatile)
	if err != nil {
		writeError(c, err)
		return
	}

	if result.Delivered == 0 && !result.CrossInstance {
		writeError(c, apperrors.NotFound("user "+req.UserID))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

type pushUsersRequest struct {
	UserIDs  []string `json:"userIds"`
	Event    string   `json:"event"`
	Payload  any      `json:"payload"`
	Volatile bool     `json:"volatile"`
}

func (h *Handler) pushToUsers(c *gin.Context) {
	var req pushUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("request body is not valid JSON"))
		return
	}

	var missing []string
	if len(req.UserIDs) == 0 {
		missing = append(missing, "userIds")
	}
	if req.Event == "" {
		missing = append(missing, "event")
	}
	if len(missing) > 0 {
		writeError(c, apperrors.MissingFields(missing...))
		return
	}

	result, err := h.api.PushToUsers(c.Request.Context(), toUserIDs(req.UserIDs), req.Event, req.Payload, req.Volatile)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

type broadcastRequest struct {
	Room     string `json:"room"`
	Event    string `json:"event"`
	Payload  any    `json:"payload"`
	Volatile bool   `json:"volatile"`
}

func (h *Handler) broadcastToRoom(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("request body is not valid JSON"))
		return
	}

	var missing []string
	if req.Room == "" {
		missing = append(missing, "room")
	}
	if req.Event == "" {
		missing = append(missing, "event")
	}
	if len(missing) > 0 {
		writeError(c, apperrors.MissingFields(missing...))
		return
	}

	result, err := h.api.BroadcastToRoom(c.Request.Context(), types.RoomNameType(req.Room), req.Event, req.Payload, req.Volatile)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

type broadcastAllRequest struct {
	Event    string `json:"event"`
	Payload  any    `json:"payload"`
	Volatile bool   `json:"volatile"`
}

func (h *Handler) broadcastToAll(c *gin.Context) {
	var req broadcastAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("request body is not valid JSON"))
		return
	}
	if req.Event == "" {
		writeError(c, apperrors.MissingFields("event"))
		return
	}

	result, err := h.api.BroadcastToAll(c.Request.Context(), req.Event, req.Payload, req.Volatile)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

type notifyRequest struct {
	UserID  string   `json:"userId"`
	UserIDs []string `json:"userIds"` // multi-target extension
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Type    string   `json:"type"`
}

func (h *Handler) notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("request body is not valid JSON"))
		return
	}

	targets := req.UserIDs
	if req.UserID != "" {
		targets = append([]string{req.UserID}, targets...)
	}

	var missing []string
	if len(targets) == 0 {
		missing = append(missing, "userId")
	}
	if req.Message == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		writeError(c, apperrors.MissingFields(missing...))
		return
	}

	kind := req.Type
	if kind == "" {
		kind = "info"
	}
	payload := gin.H{"title": req.Title, "message": req.Message, "type": kind}

	result, err := h.api.Notify(c.Request.Context(), toUserIDs(targets), payload)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// writeError maps typed errors onto the JSON error shape.
func writeError(c *gin.Context, err error) {
	if appErr, ok := apperrors.As(err); ok {
		body := gin.H{"success": false, "code": appErr.Code, "error": appErr.Message}
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
		c.JSON(appErr.Status(), body)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "INTERNAL_ERROR", "error": err.Error()})
}

func toUserIDs(ids []string) []types.UserIDType {
	out := make([]types.UserIDType, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.UserIDType(id))
	}
	return out
}
