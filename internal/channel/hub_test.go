package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticAuthenticator map[string]string

func (a staticAuthenticator) AuthenticateDevice(ctx context.Context, deviceName, token string) error {
	if want, ok := a[deviceName]; ok && want == token {
		return nil
	}
	return errors.New("invalid token")
}

type countingObserver struct {
	mu        sync.Mutex
	published map[string]int
	dropped   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{published: map[string]int{}, dropped: map[string]int{}}
}

func (o *countingObserver) MessagePublished(kind string) {
	o.mu.Lock()
	o.published[kind]++
	o.mu.Unlock()
}

func (o *countingObserver) MessageDropped(kind string) {
	o.mu.Lock()
	o.dropped[kind]++
	o.mu.Unlock()
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "m2c2/job/line1", Topic(KindJob, "line1"))
	assert.Equal(t, "m2c2/error/line1", Topic(KindError, "line1"))
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"m2c2/job/line1", "m2c2/job/line1", true},
		{"m2c2/job/line1", "m2c2/job/line2", false},
		{"m2c2/+/line1", "m2c2/error/line1", true},
		{"m2c2/job/+", "m2c2/job/line1", true},
		{"m2c2/job/+", "m2c2/job", false},
		{"m2c2/#", "m2c2/job/line1", true},
		{"#", "m2c2/error/line1", true},
		{"m2c2/job", "m2c2/job/line1", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.filter, tc.topic), "%s vs %s", tc.filter, tc.topic)
	}
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("m2c2/job/+"))
	assert.NoError(t, ValidateFilter("m2c2/#"))
	assert.ErrorIs(t, ValidateFilter(""), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter("m2c2/#/job"), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateFilter("m2c2/jo+b"), ErrInvalidFilter)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(staticAuthenticator{}, zap.NewNop())
	observer := newCountingObserver()
	hub.SetObserver(observer)

	// Without Run nothing drains the queue.
	for i := 0; i < broadcastBufferSize; i++ {
		hub.Publish("line1", KindJob, NewStopJob("line1"))
	}
	hub.Publish("line1", KindError, NewErrorReport("line1", "boom"))

	assert.Len(t, hub.broadcast, broadcastBufferSize)
	assert.Equal(t, broadcastBufferSize, observer.published["job"])
	assert.Equal(t, 1, observer.dropped["error"])
}

func TestDeliverOnlyToMatchingSubscribers(t *testing.T) {
	hub := NewHub(staticAuthenticator{}, zap.NewNop())

	subscribed := newClient(hub, nil)
	subscribed.subscribe("m2c2/job/+")
	other := newClient(hub, nil)
	other.subscribe("m2c2/error/#")

	hub.clients[subscribed] = true
	hub.clients[other] = true

	hub.deliver(NewCommandMessage(KindJob, "line1", NewStopJob("line1")))

	require.Len(t, subscribed.send, 1)
	assert.Len(t, other.send, 0)

	var msg Message
	require.NoError(t, json.Unmarshal(<-subscribed.send, &msg))
	assert.Equal(t, MessageTypeCommand, msg.Type)
	assert.Equal(t, "m2c2/job/line1", msg.Topic)
	assert.Equal(t, KindJob, msg.Kind)
}

func TestStartJobCarriesDefinition(t *testing.T) {
	def := types.ConnectionDefinition{ConnectionName: "line1", Control: types.ControlDeploy, Protocol: types.ProtocolOPCDA}

	job := StartJob(def)
	assert.Equal(t, types.ControlStart, job.Control)
	assert.Equal(t, types.ControlDeploy, def.Control)
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDeviceReceivesSubscribedCommands(t *testing.T) {
	hub := NewHub(staticAuthenticator{"gw-1": "s3cret"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "device": "gw-1", "token": "s3cret"}))
	assert.Equal(t, MessageTypeAuthSuccess, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "m2c2/job/+"}))
	assert.Equal(t, MessageTypeSubscribed, readMessage(t, conn).Type)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.Publish("line1", KindError, NewErrorReport("line1", "not subscribed"))
	hub.Publish("line1", KindJob, NewStopJob("line1"))

	msg := readMessage(t, conn)
	assert.Equal(t, "m2c2/job/line1", msg.Topic)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "stop", data["control"])
	assert.Equal(t, "line1", data["connectionName"])
}

func TestDeviceWithBadTokenIsRejected(t *testing.T) {
	hub := NewHub(staticAuthenticator{"gw-1": "s3cret"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "device": "gw-1", "token": "wrong"}))
	assert.Equal(t, MessageTypeAuthFailed, readMessage(t, conn).Type)

	var msg Message
	assert.Error(t, conn.ReadJSON(&msg), "connection must be closed after a failed auth")
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestDeviceMustAuthenticateFirst(t *testing.T) {
	hub := NewHub(staticAuthenticator{"gw-1": "s3cret"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "m2c2/#"}))
	assert.Equal(t, MessageTypeAuthFailed, readMessage(t, conn).Type)
}
