package events

import (
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
		Port:   -1, // Random port
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

func TestPublisherSubject(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	e := Event{RunID: "run-1", Type: TypeMessage}
	assert.Equal(t, "coderd.runs.run-1.events.message", p.Subject(e))

	p = NewPublisher(nil, "custom.prefix", nil)
	assert.Equal(t, "custom.prefix.run-1.events.message", p.Subject(e))

	assert.Equal(t, "coderd.runs.unknown.events.result",
		NewPublisher(nil, "", nil).Subject(Event{Type: TypeResult}))
}

func TestPublisherEmit(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("coderd.runs.run-1.events.*", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p := NewPublisher(nc, "", nil)
	p.Emit(Event{RunID: "run-1", Stage: StageBuild, Origin: OriginDocker, Type: TypeResult,
		Text: "Successfully built image: webapp", Success: true})

	select {
	case msg := <-ch:
		assert.Equal(t, "coderd.runs.run-1.events.result", msg.Subject)
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, StageBuild, e.Stage)
		assert.True(t, e.Success)
		assert.Equal(t, "Successfully built image: webapp", e.Text)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
