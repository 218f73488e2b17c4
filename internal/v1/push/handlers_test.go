package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalmesh/gateway/internal/v1/registry"
	"github.com/signalmesh/gateway/internal/v1/rooms"
)

const testAPIKey = "test-key-123"

func newTestRouter(t *testing.T, apiKey string) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(nil, nil)
	roomMgr := rooms.New(reg.GetSender, nil, nil)
	f := &fixture{
		api:      New(Options{Registry: reg, Rooms: roomMgr}),
		registry: reg,
		rooms:    roomMgr,
	}

	router := gin.New()
	NewHandler(f.api, apiKey).RegisterRoutes(router.Group("/api/v1"))
	return router, f
}

func doJSON(router *gin.Engine, path, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPushEndpoint_Success(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	sender := &mockSender{id: "sock_1"}
	require.NoError(t, f.registry.RegisterUser(sender, "u1", ""))

	w := doJSON(router, "/api/v1/push", testAPIKey, `{"userId":"u1","event":"ev","payload":{"x":1}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), `"delivered":1`)
	require.Len(t, sender.frames, 1)
}

func TestPushEndpoint_MissingAPIKey(t *testing.T) {
	router, _ := newTestRouter(t, testAPIKey)

	w := doJSON(router, "/api/v1/push", "", `{"userId":"u1","event":"ev"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	w = doJSON(router, "/api/v1/push", "wrong-key", `{"userId":"u1","event":"ev"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPushEndpoint_EmptyKeyDisablesCheck(t *testing.T) {
	router, f := newTestRouter(t, "")
	require.NoError(t, f.registry.RegisterUser(&mockSender{id: "sock_1"}, "u1", ""))

	w := doJSON(router, "/api/v1/push", "", `{"userId":"u1","event":"ev"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPushEndpoint_WrongContentType(t *testing.T) {
	router, _ := newTestRouter(t, testAPIKey)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/push", strings.NewReader("userId=u1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Contains(t, w.Body.String(), "UNSUPPORTED_MEDIA_TYPE")
}

func TestPushEndpoint_MissingFields(t *testing.T) {
	router, _ := newTestRouter(t, testAPIKey)

	w := doJSON(router, "/api/v1/push", testAPIKey, `{"event":"ev"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_REQUIRED_FIELDS")
	assert.Contains(t, w.Body.String(), "userId")
}

func TestPushEndpoint_MalformedJSON(t *testing.T) {
	router, _ := newTestRouter(t, testAPIKey)

	w := doJSON(router, "/api/v1/push", testAPIKey, `{"userId":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
}

func TestPushEndpoint_UserNotConnected(t *testing.T) {
	router, _ := newTestRouter(t, testAPIKey)

	w := doJSON(router, "/api/v1/push", testAPIKey, `{"userId":"u-absent","event":"ev"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestPushUsersEndpoint(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	require.NoError(t, f.registry.RegisterUser(&mockSender{id: "sock_1"}, "u1", ""))
	require.NoError(t, f.registry.RegisterUser(&mockSender{id: "sock_2"}, "u2", ""))

	w := doJSON(router, "/api/v1/push/users", testAPIKey, `{"userIds":["u1","u2"],"event":"ev"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":2`)

	w = doJSON(router, "/api/v1/push/users", testAPIKey, `{"event":"ev"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcastEndpoint(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	sender := &mockSender{id: "sock_1"}
	f.registry.Add(sender, "", "")
	f.rooms.AddToRoom("sock_1", "group:general", "group")

	w := doJSON(router, "/api/v1/broadcast", testAPIKey, `{"room":"group:general","event":"chat","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":1`)
}

func TestBroadcastEndpoint_UnknownRoom(t *testing.T) {
	router, _ := newTestRouter(t, testAPIKey)

	w := doJSON(router, "/api/v1/broadcast", testAPIKey, `{"room":"group:absent","event":"chat"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBroadcastAllEndpoint(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	f.registry.Add(&mockSender{id: "sock_1"}, "", "")
	f.registry.Add(&mockSender{id: "sock_2"}, "", "")

	w := doJSON(router, "/api/v1/broadcast/all", testAPIKey, `{"event":"maintenance"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":2`)
}

func TestNotifyEndpoint(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	sender := &mockSender{id: "sock_1"}
	require.NoError(t, f.registry.RegisterUser(sender, "u1", ""))

	w := doJSON(router, "/api/v1/notify", testAPIKey, `{"userId":"u1","title":"hello","message":"world","type":"alert"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sender.frames, 1)
	assert.Equal(t, "notification", sender.frames[0].Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(sender.frames[0].Data, &payload))
	assert.Equal(t, "hello", payload["title"])
	assert.Equal(t, "world", payload["message"])
	assert.Equal(t, "alert", payload["type"])
}

func TestNotifyEndpoint_DefaultsAndValidation(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	sender := &mockSender{id: "sock_1"}
	require.NoError(t, f.registry.RegisterUser(sender, "u1", ""))

	// Omitted type defaults to "info".
	w := doJSON(router, "/api/v1/notify", testAPIKey, `{"userId":"u1","message":"ping"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sender.frames, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(sender.frames[0].Data, &payload))
	assert.Equal(t, "info", payload["type"])

	w = doJSON(router, "/api/v1/notify", testAPIKey, `{"message":"no target"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userId")

	w = doJSON(router, "/api/v1/notify", testAPIKey, `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "message")
}

func TestNotifyEndpoint_MultipleTargets(t *testing.T) {
	router, f := newTestRouter(t, testAPIKey)
	first := &mockSender{id: "sock_1"}
	second := &mockSender{id: "sock_2"}
	require.NoError(t, f.registry.RegisterUser(first, "u1", ""))
	require.NoError(t, f.registry.RegisterUser(second, "u2", ""))

	w := doJSON(router, "/api/v1/notify", testAPIKey, `{"userIds":["u1","u2"],"message":"fanout"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":2`)
	assert.Len(t, first.frames, 1)
	assert.Len(t, second.frames, 1)
}
