package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitialize(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.NotNil(t, GetLogger())
}

func TestGetLogger_BeforeInit(t *testing.T) {
	// Must never return nil, even without Initialize.
	assert.NotNil(t, GetLogger())
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey, "req_1")
	ctx = context.WithValue(ctx, SocketIDKey, "sock_1")
	ctx = context.WithValue(ctx, UserIDKey, "u1")
	ctx = context.WithValue(ctx, RoomKey, "group:general")

	fields := appendContextFields(ctx, nil)

	assert.Contains(t, fields, zap.String("request_id", "req_1"))
	assert.Contains(t, fields, zap.String("socket_id", "sock_1"))
	assert.Contains(t, fields, zap.String("user_id", "u1"))
	assert.Contains(t, fields, zap.String("room", "group:general"))
	assert.Contains(t, fields, zap.String("service", "gateway"))
}

func TestAppendContextFields_NilContext(t *testing.T) {
	fields := appendContextFields(nil, []zap.Field{zap.String("k", "v")})
	assert.Equal(t, []zap.Field{zap.String("k", "v")}, fields)
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "***", RedactToken("short"))
	assert.Equal(t, "eyJhbGci***", RedactToken("eyJhbGciOiJIUzI1NiJ9"))
}
