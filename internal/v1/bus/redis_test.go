package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, instanceID string) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := NewService(Options{
		Addr:       mr.Addr(),
		Prefix:     "gateway",
		InstanceID: instanceID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, _ := newTestService(t, "inst-a")

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_BadAddr(t *testing.T) {
	_, err := NewService(Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	svc, _ := newTestService(t, "inst-a")

	assert.Equal(t, "gateway:cross-instance:broadcast", svc.BroadcastChannel())
	assert.Equal(t, "gateway:cross-instance:direct:inst-b", svc.DirectChannel("inst-b"))
	assert.Equal(t, "gateway:instances:inst-a", svc.InstanceKey("inst-a"))
	assert.Equal(t, "gateway:connections:sock_1", svc.ConnectionKey("sock_1"))
}

func TestPublishBroadcast_EnvelopeShape(t *testing.T) {
	svc, _ := newTestService(t, "inst-a")
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, svc.BroadcastChannel())
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishBroadcast(ctx, "broadcast", map[string]string{"room": "group:general"})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "broadcast", env.Event)
	assert.Equal(t, "inst-a", env.SourceInstanceID)
	assert.NotZero(t, env.Timestamp)
	assert.JSONEq(t, `{"room":"group:general"}`, string(env.Data))
}

func TestPublishDirect_TargetsInstanceChannel(t *testing.T) {
	svc, _ := newTestService(t, "inst-a")
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, svc.DirectChannel("inst-b"))
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishDirect(ctx, "inst-b", "disconnect", map[string]string{"socketId": "sock_1"})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "disconnect", env.Event)
}

func TestSubscribeBroadcast_DropsOwnEnvelopes(t *testing.T) {
	publisher, mr := newTestService(t, "inst-a")

	subscriber, err := NewService(Options{
		Addr:       mr.Addr(),
		Prefix:     "gateway",
		InstanceID: "inst-b",
	})
	require.NoError(t, err)
	defer func() { _ = subscriber.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan Envelope, 2)
	subscriber.SubscribeBroadcast(ctx, wg, func(env Envelope) {
		received <- env
	})
	time.Sleep(50 * time.Millisecond)

	// An envelope from the subscriber's own id must be dropped; one from a
	// peer must arrive.
	require.NoError(t, subscriber.PublishBroadcast(ctx, "broadcast", map[string]string{"from": "self"}))
	require.NoError(t, publisher.PublishBroadcast(ctx, "broadcast", map[string]string{"from": "peer"}))

	select {
	case env := <-received:
		assert.Equal(t, "inst-a", env.SourceInstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected peer envelope")
	}

	select {
	case env := <-received:
		t.Fatalf("unexpected second envelope from %s", env.SourceInstanceID)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestNilService_Degrades(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.PublishBroadcast(ctx, "broadcast", nil))
	assert.NoError(t, svc.PublishDirect(ctx, "inst-b", "direct", nil))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	assert.Empty(t, svc.ConnectionKey("sock_1"))

	svc.SubscribeBroadcast(ctx, nil, func(Envelope) { t.Fatal("no delivery expected") })
}
