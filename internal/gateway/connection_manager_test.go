package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/decksync/decksync/internal/protocol"
	"github.com/decksync/decksync/internal/timeline"
)

type captureRouter struct {
	cmds chan protocol.Command
}

func (r *captureRouter) RouteCommand(cmd protocol.Command) {
	r.cmds <- cmd
}

type fixture struct {
	cm     *ConnectionManager
	router *captureRouter
	store  *timeline.Store
	server *httptest.Server
	client *websocket.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	f := &fixture{
		router: &captureRouter{cmds: make(chan protocol.Command, 8)},
		store:  timeline.NewStore(clock),
	}
	f.store.Restore(timeline.DeckA, timeline.State{
		Src:          "media/clip.mp4",
		BasePosition: 30,
		PlayRate:     1.0,
		Duration:     120,
		Version:      4,
	})

	f.cm = NewConnectionManager(DefaultConnectionConfig(), f.router, f.store, clock)
	ctx, cancel := context.WithCancel(context.Background())
	go f.cm.Start(ctx)

	handler := NewWebSocketHandler(f.cm)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	f.server = httptest.NewServer(mux)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/decks"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	f.client = client

	t.Cleanup(func() {
		client.Close()
		f.server.Close()
		cancel()
	})
	return f
}

func (f *fixture) readEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	f.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := f.client.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestResyncSentOnConnect(t *testing.T) {
	f := newFixture(t)

	env := f.readEnvelope(t)
	if env.Type != protocol.TypeResync {
		t.Fatalf("first frame type = %s, want resync", env.Type)
	}
	payload, err := protocol.Parse(env)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rs := payload.(protocol.Resync)
	if got := rs.Decks["a"]; got.Version != 4 || got.Src != "media/clip.mp4" {
		t.Errorf("resync deck a = v%d %q", got.Version, got.Src)
	}
	if rs.ServerTime != 1_000_000 {
		t.Errorf("serverTime = %v, want 1000000", rs.ServerTime)
	}
	// Play state is never restored across a restart.
	if rs.Decks["a"].IsPlaying {
		t.Error("resync reports a playing deck after restore")
	}
}

func TestInboundCommandRouted(t *testing.T) {
	f := newFixture(t)
	f.readEnvelope(t) // discard resync

	pos := 12.5
	env, err := protocol.Wrap(protocol.TypeCommand, time.Now(), protocol.Command{
		Deck: "b", Op: "seek", Position: &pos, CommandID: "cmd-1",
	})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	frame, _ := json.Marshal(env)
	if err := f.client.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-f.router.cmds:
		if cmd.Deck != "b" || cmd.Op != "seek" || cmd.CommandID != "cmd-1" {
			t.Errorf("routed command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the router")
	}
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	f := newFixture(t)
	f.readEnvelope(t)

	if err := f.client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives: a broadcast still arrives.
	st := f.store.Snapshot(timeline.DeckA)
	st.Version = 5
	f.cm.BroadcastState(timeline.DeckA, st)

	env := f.readEnvelope(t)
	if env.Type != protocol.TypeState {
		t.Fatalf("frame type = %s, want state", env.Type)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	f := newFixture(t)
	f.readEnvelope(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/decks"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil { // resync
		t.Fatalf("second resync: %v", err)
	}

	st := f.store.Snapshot(timeline.DeckA)
	st.Version = 9
	f.cm.BroadcastState(timeline.DeckA, st)

	for i, conn := range []*websocket.Conn{f.client, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("client %d unmarshal: %v", i, err)
		}
		payload, err := protocol.Parse(env)
		if err != nil {
			t.Fatalf("client %d parse: %v", i, err)
		}
		sb := payload.(protocol.StateBroadcast)
		if sb.Deck != "a" || sb.State.Version != 9 {
			t.Errorf("client %d got deck %s v%d", i, sb.Deck, sb.State.Version)
		}
	}
}
