package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNewNATSPublisher_RequiresConnection(t *testing.T) {
	_, err := NewNATSPublisher(nil)
	assert.Error(t, err)

	_, err = NewNATSSource(nil, nil, nil)
	assert.Error(t, err)
}

func TestNATSPublisher_PublishesOnStreamSubject(t *testing.T) {
	nc := connect(t)

	msgs := make(chan *nats.Msg, 10)
	sub, err := nc.ChanSubscribe("execution.plan-42", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	pub, err := NewNATSPublisher(nc)
	require.NoError(t, err)
	em := NewEmitter(nil, pub)

	Emit(context.Background(), em, ScopeExecution, "plan-42", Started, StartedPayload{PlanID: "plan-42", TotalFiles: 3})

	select {
	case msg := <-msgs:
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, Started, e.Type)
		assert.Equal(t, uint64(1), e.Sequence)

		payload, err := Decode[StartedPayload](e)
		require.NoError(t, err)
		assert.Equal(t, 3, payload.TotalFiles)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSSource_StreamsInOrder(t *testing.T) {
	nc := connect(t)

	pub, err := NewNATSPublisher(nc)
	require.NoError(t, err)
	source, err := NewNATSSource(nc, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := source.Subscribe(ctx, "conversation.c1", 0)
	require.NoError(t, err)
	defer stream.Close()

	em := NewEmitter(nil, pub)
	for i := 0; i < 20; i++ {
		Emit(ctx, em, ScopeConversation, "c1", MessageReceived, MessagePayload{Role: "user"})
	}
	Emit(ctx, em, ScopeConversation, "other", MessageReceived, MessagePayload{Role: "user"})

	got := receive(t, stream, 20)
	require.Len(t, got, 20)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, "c1", e.Key)
	}
}

func TestNATSSource_SkipsSeenSequences(t *testing.T) {
	nc := connect(t)

	pub, err := NewNATSPublisher(nc)
	require.NoError(t, err)
	source, err := NewNATSSource(nc, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	stream, err := source.Subscribe(ctx, "execution.p", 2)
	require.NoError(t, err)
	defer stream.Close()

	em := NewEmitter(nil, pub)
	for i := 0; i < 4; i++ {
		Emit(ctx, em, ScopeExecution, "p", FileStarted, FilePayload{})
	}

	got := receive(t, stream, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(4), got[1].Sequence)
}

func TestNATSSource_SlowReaderReceivesEverything(t *testing.T) {
	nc := connect(t)

	pub, err := NewNATSPublisher(nc)
	require.NoError(t, err)
	source, err := NewNATSSource(nc, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	stream, err := source.Subscribe(ctx, "execution.slow", 0)
	require.NoError(t, err)
	defer stream.Close()

	const total = 500
	em := NewEmitter(nil, pub)
	for i := 0; i < total; i++ {
		Emit(ctx, em, ScopeExecution, "slow", FileStarted, FilePayload{FileRef: FileRef{Index: i}})
	}
	require.NoError(t, nc.Flush())

	// Nothing reads until every message has been published.
	time.Sleep(200 * time.Millisecond)

	got := receive(t, stream, total)
	require.Len(t, got, total)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestNATSSource_ReplaysHistoryBeforeLiveEvents(t *testing.T) {
	nc := connect(t)

	pub, err := NewNATSPublisher(nc)
	require.NoError(t, err)
	broker := NewBroker(0)
	t.Cleanup(broker.Close)
	source, err := NewNATSSource(nc, broker, nil)
	require.NoError(t, err)

	ctx := context.Background()
	em := NewEmitter(nil, broker, pub)
	for i := 0; i < 3; i++ {
		Emit(ctx, em, ScopeConversation, "c9", MessageReceived, MessagePayload{Role: "user"})
	}

	stream, err := source.Subscribe(ctx, "conversation.c9", 1)
	require.NoError(t, err)
	defer stream.Close()

	Emit(ctx, em, ScopeConversation, "c9", MessageReceived, MessagePayload{Role: "assistant"})
	Emit(ctx, em, ScopeConversation, "c9", ConversationCompleted, OutcomePayload{})

	got := receive(t, stream, 4)
	require.Len(t, got, 4)
	for i, e := range got {
		assert.Equal(t, uint64(i+2), e.Sequence)
	}
	assert.Equal(t, ConversationCompleted, got[3].Type)
}
