package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost/agency"
	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/internal/testutil"
	"github.com/hupe1980/agencyhost/runtime"
)

type fixture struct {
	host    *runtime.Host
	eng     *testutil.ScriptedEngine
	srv     *httptest.Server
	mu      sync.Mutex
	seen    map[string]int
	failure []string
}

func newFixture(t *testing.T, eng *testutil.ScriptedEngine) *fixture {
	t.Helper()
	host, err := runtime.New(func(o *runtime.Options) {
		o.EngineFactory = func(context.Context, runtime.Config) (core.Engine, error) { return eng, nil }
		o.Credentials = func() credential.Set { return credential.Set{credential.OpenAIAPIKey: "sk-test"} }
	})
	assert.NoError(t, err)

	f := &fixture{host: host, eng: eng, seen: map[string]int{}}
	h, err := New(func(o *Options) {
		o.Streamer = host
		o.Agencies = agency.NewCoordinator(host)
		o.Observe = func(conversationID string, _ core.Chunk) {
			f.mu.Lock()
			f.seen[conversationID]++
			f.mu.Unlock()
		}
		o.ObserveError = func(_, streamID string, _ error) {
			f.mu.Lock()
			f.failure = append(f.failure, streamID)
			f.mu.Unlock()
		}
	})
	assert.NoError(t, err)
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	assert.NoError(t, err)
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, stop func(ServerMessage) bool) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		out = append(out, msg)
		if stop(msg) {
			return out
		}
	}
}

func isType(typ string) func(ServerMessage) bool {
	return func(m ServerMessage) bool { return m.Type == typ }
}

func TestNew_RequiresStreamer(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestGateway_Chat(t *testing.T) {
	eng := testutil.NewScriptedEngine("e")
	eng.On("hello", testutil.Script{Chunks: testutil.TextStream("", "assistant", "Hi", " there")})
	f := newFixture(t, eng)
	ws := f.dial(t)
	defer ws.Close()

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeChat, Input: &core.Input{ConversationID: "c1", SessionID: "s1", TextInput: "hello"}}))
	msgs := readUntil(t, ws, isType(TypeDone))

	assert.Len(t, msgs, 4)
	for _, m := range msgs[:3] {
		assert.Equal(t, TypeChunk, m.Type)
		assert.Equal(t, "s1", m.ID)
		assert.Equal(t, "s1", m.Chunk.StreamID)
	}
	assert.Equal(t, "Hi there", msgs[2].Chunk.TextContent())
	assert.Equal(t, "completed", msgs[3].Status)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 3, f.seen["c1"])
}

func TestGateway_ChatError(t *testing.T) {
	eng := testutil.NewScriptedEngine("e")
	eng.On("fail", testutil.Script{Err: assert.AnError})
	f := newFixture(t, eng)
	ws := f.dial(t)
	defer ws.Close()

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeChat, ID: "h1", Input: &core.Input{SessionID: "s1", TextInput: "fail"}}))
	msgs := readUntil(t, ws, isType(TypeError))
	last := msgs[len(msgs)-1]
	assert.Equal(t, "h1", last.ID)
	assert.Equal(t, core.CodeStream, last.Error.Code)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"s1"}, f.failure)
}

func TestGateway_Agency(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedEngine("e"))
	ws := f.dial(t)
	defer ws.Close()

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeAgency, Agency: &AgencyMessage{
		AgencyID: "ag",
		Goal:     "ship",
		Roles:    []RoleMessage{{ID: "a"}, {ID: "b", DependsOn: "a"}},
	}}))
	msgs := readUntil(t, ws, isType(TypeDone))

	chunks, roles := 0, map[string][]string{}
	for _, m := range msgs {
		assert.Equal(t, "ag", m.ID)
		switch m.Type {
		case TypeChunk:
			chunks++
		case TypeRole:
			roles[m.Role.RoleID] = append(roles[m.Role.RoleID], m.Role.Status)
		}
	}
	assert.Equal(t, 4, chunks)
	assert.Equal(t, []string{"running", "completed"}, roles["a"])
	assert.Equal(t, []string{"waiting", "running", "completed"}, roles["b"])
	assert.Equal(t, "completed", msgs[len(msgs)-1].Status)
	assert.Len(t, f.eng.Calls(), 2)
}

func TestGateway_AgencyValidationError(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedEngine("e"))
	ws := f.dial(t)
	defer ws.Close()

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeAgency, ID: "x", Agency: &AgencyMessage{Goal: "g"}}))
	msgs := readUntil(t, ws, isType(TypeError))
	assert.Equal(t, "x", msgs[0].ID)
	assert.Contains(t, msgs[0].Error.Message, "at least one role")
}

func TestGateway_Cancel(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	eng := testutil.NewScriptedEngine("e")
	eng.On("slow", testutil.Script{Chunks: testutil.TextStream("", "assistant", "a", "b"), Gate: gate, GateAt: 1})
	f := newFixture(t, eng)
	ws := f.dial(t)
	defer ws.Close()

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeChat, Input: &core.Input{SessionID: "s1", TextInput: "slow"}}))
	readUntil(t, ws, isType(TypeChunk))

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeCancel, StreamID: "s1"}))
	msgs := readUntil(t, ws, isType(TypeCancelled))
	assert.Equal(t, "s1", msgs[len(msgs)-1].ID)
	assert.Eventually(t, func() bool { return f.host.ActiveStreams() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Unknown handles are ignored; the connection keeps working.
	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeCancel, StreamID: "s1"}))
	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: "bogus", ID: "z"}))
	msgs = readUntil(t, ws, isType(TypeError))
	assert.Equal(t, "z", msgs[len(msgs)-1].ID)
}

func TestGateway_DuplicateHandle(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	eng := testutil.NewScriptedEngine("e")
	eng.On("slow", testutil.Script{Chunks: testutil.TextStream("", "assistant", "a"), Gate: gate})
	f := newFixture(t, eng)
	ws := f.dial(t)
	defer ws.Close()

	in := &core.Input{SessionID: "s1", TextInput: "slow"}
	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeChat, Input: in}))
	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeChat, Input: in}))
	msgs := readUntil(t, ws, isType(TypeError))
	assert.Contains(t, msgs[len(msgs)-1].Error.Message, "already active")
}

func TestGateway_DisconnectCancelsStreams(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	eng := testutil.NewScriptedEngine("e")
	eng.On("slow", testutil.Script{Chunks: testutil.TextStream("", "assistant", "a", "b"), Gate: gate, GateAt: 1})
	f := newFixture(t, eng)
	ws := f.dial(t)

	assert.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeChat, Input: &core.Input{SessionID: "s1", TextInput: "slow"}}))
	readUntil(t, ws, isType(TypeChunk))
	assert.Equal(t, 1, f.host.ActiveStreams())

	assert.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return f.host.ActiveStreams() == 0 }, 2*time.Second, 5*time.Millisecond)
}
