package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"proxchat/internal/protocol"
	"proxchat/internal/session"
	"proxchat/internal/watcher"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	room     = "org.example.chat.room1"
	roomPath = "/chatService"
	roomIfc  = "org.example.chat"
)

func newTestBus(t *testing.T, opts Options, policy NamePolicy) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(zap.NewNop(), session.NewManager(10, 50), policy, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts
}

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dialPeer(t *testing.T, ts *httptest.Server) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bus"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &testPeer{t: t, conn: conn}
	var welcome protocol.WelcomePayload
	require.NoError(t, p.await(protocol.TypeBusWelcome).Decode(&welcome))
	require.NotEmpty(t, welcome.PeerID)
	p.id = welcome.PeerID
	return p
}

// request sends a frame and returns its id.
func (p *testPeer) request(msgType string, payload interface{}) string {
	p.t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(msg))
	return msg.ID
}

func (p *testPeer) next() *protocol.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg protocol.Message
	require.NoError(p.t, p.conn.ReadJSON(&msg))
	return &msg
}

// await reads frames until one of msgType arrives, skipping the rest.
func (p *testPeer) await(msgType string) *protocol.Message {
	p.t.Helper()
	for {
		if msg := p.next(); msg.Type == msgType {
			return msg
		}
	}
}

// awaitReply reads frames until the answer to request id arrives.
func (p *testPeer) awaitReply(id string) *protocol.Message {
	p.t.Helper()
	for {
		if msg := p.next(); msg.ReplyTo == id {
			return msg
		}
	}
}

func (p *testPeer) advertise(name string) *protocol.Message {
	p.t.Helper()
	return p.awaitReply(p.request(protocol.TypeNameAdvertise, protocol.AdvertisePayload{
		Name:      name,
		Interface: roomIfc,
		Path:      roomPath,
		Handle:    "host",
	}))
}

func errorCode(t *testing.T, msg *protocol.Message) string {
	t.Helper()
	require.Equal(t, protocol.TypeError, msg.Type)
	var p protocol.ErrorPayload
	require.NoError(t, msg.Decode(&p))
	return p.Code
}

// joinAccepted runs a full join of joiner into room hosted by host.
func joinAccepted(t *testing.T, host, joiner *testPeer, handle string) protocol.SessionJoinedPayload {
	t.Helper()
	id := joiner.request(protocol.TypeSessionJoin, protocol.JoinPayload{Name: room, Handle: handle})

	var req protocol.JoinRequestPayload
	require.NoError(t, host.await(protocol.TypeSessionJoinRequest).Decode(&req))
	assert.Equal(t, joiner.id, req.PeerID)
	assert.Equal(t, handle, req.Handle)
	replyID := host.request(protocol.TypeSessionJoinReply, protocol.JoinReplyPayload{JoinID: req.JoinID, Accept: true})
	assert.Equal(t, protocol.TypeAck, host.awaitReply(replyID).Type)

	reply := joiner.awaitReply(id)
	require.Equal(t, protocol.TypeSessionJoined, reply.Type)
	var joined protocol.SessionJoinedPayload
	require.NoError(t, reply.Decode(&joined))
	return joined
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestBus(t, Options{}, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var health healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Sessions)
}

func TestServer_CORSPreflight(t *testing.T) {
	srv, _ := newTestBus(t, Options{}, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("OPTIONS", "/sessions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_SessionNotFound(t *testing.T) {
	srv, _ := newTestBus(t, Options{}, nil)
	handler := srv.Handler()

	for _, tc := range []struct{ method, path string }{
		{"GET", "/sessions/nonexistent"},
		{"GET", "/sessions/nonexistent/history"},
		{"DELETE", "/sessions/nonexistent"},
	} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestServer_MaxPeers(t *testing.T) {
	_, ts := newTestBus(t, Options{MaxPeers: 1}, nil)
	dialPeer(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_InvalidMessage(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	p := dialPeer(t, ts)

	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, protocol.ErrInvalidMessage, errorCode(t, p.await(protocol.TypeError)))

	id := p.request(protocol.TypeChatSend, map[string]string{"session": room})
	assert.Equal(t, protocol.ErrInvalidMessage, errorCode(t, p.awaitReply(id)))
}

func TestServer_AdvertiseAndFind(t *testing.T) {
	srv, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	finder := dialPeer(t, ts)

	findID := finder.request(protocol.TypeNameFind, protocol.FindPayload{Prefix: "org.example.chat."})
	assert.Equal(t, protocol.TypeAck, finder.awaitReply(findID).Type)

	assert.Equal(t, protocol.TypeAck, host.advertise(room).Type)

	var found protocol.NameFoundPayload
	require.NoError(t, finder.await(protocol.TypeNameFound).Decode(&found))
	assert.Equal(t, room, found.Name)
	assert.Equal(t, roomIfc, found.Interface)
	assert.Equal(t, roomPath, found.Path)
	assert.Equal(t, host.id, found.Owner)

	sess, err := srv.sessions.Get(room)
	require.NoError(t, err)
	assert.Equal(t, host.id, sess.Host)

	// A late finder sees names advertised before it asked.
	late := dialPeer(t, ts)
	late.request(protocol.TypeNameFind, protocol.FindPayload{Prefix: "org.example."})
	require.NoError(t, late.await(protocol.TypeNameFound).Decode(&found))
	assert.Equal(t, room, found.Name)
}

func TestServer_AdvertiseCollision(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	a := dialPeer(t, ts)
	b := dialPeer(t, ts)

	assert.Equal(t, protocol.TypeAck, a.advertise(room).Type)
	assert.Equal(t, protocol.ErrNameExists, errorCode(t, b.advertise(room)))
}

func TestServer_AdvertiseReserved(t *testing.T) {
	reserved := watcher.New(zap.NewNop(), nil)
	reserved.Set([]string{"org.example.chat.admin*"})
	_, ts := newTestBus(t, Options{}, reserved)
	p := dialPeer(t, ts)

	assert.Equal(t, protocol.ErrNameRejected, errorCode(t, p.advertise("org.example.chat.admins")))
	assert.Equal(t, protocol.TypeAck, p.advertise(room).Type)
}

func TestServer_CancelNotifiesFinders(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	other := dialPeer(t, ts)
	other.request(protocol.TypeNameFind, protocol.FindPayload{Prefix: "org.example.chat."})
	host.advertise(room)
	other.await(protocol.TypeNameFound)

	cancelID := other.request(protocol.TypeNameCancel, protocol.NamePayload{Name: room})
	assert.Equal(t, protocol.ErrNotOwner, errorCode(t, other.awaitReply(cancelID)))

	cancelID = host.request(protocol.TypeNameCancel, protocol.NamePayload{Name: room})
	assert.Equal(t, protocol.TypeAck, host.awaitReply(cancelID).Type)

	var lost protocol.NameLostPayload
	require.NoError(t, other.await(protocol.TypeNameLost).Decode(&lost))
	assert.Equal(t, room, lost.Name)
}

func TestServer_JoinAndChat(t *testing.T) {
	srv, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	alice := dialPeer(t, ts)
	bob := dialPeer(t, ts)
	host.advertise(room)

	joined := joinAccepted(t, host, alice, "alice")
	assert.Equal(t, room, joined.Name)
	assert.Equal(t, host.id, joined.Host)
	assert.Equal(t, []string{host.id}, joined.Members)
	host.await(protocol.TypeSessionMemberJoined)

	joined = joinAccepted(t, host, bob, "bob")
	assert.ElementsMatch(t, []string{host.id, alice.id}, joined.Members)

	var mj protocol.MemberPayload
	require.NoError(t, alice.await(protocol.TypeSessionMemberJoined).Decode(&mj))
	assert.Equal(t, bob.id, mj.PeerID)
	assert.Equal(t, "bob", mj.Handle)

	bob.request(protocol.TypeChatSend, protocol.ChatSendPayload{Session: room, Text: "hello"})

	for _, p := range []*testPeer{host, alice} {
		var chat protocol.ChatMessagePayload
		require.NoError(t, p.await(protocol.TypeChatMessage).Decode(&chat))
		assert.Equal(t, room, chat.Session)
		assert.Equal(t, bob.id, chat.From)
		assert.Equal(t, "bob", chat.Handle)
		assert.Equal(t, "hello", chat.Text)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sessions/"+room+"/history", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var history []session.ChatEvent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Text)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sessions/"+room+"/history?limit=nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sessions/"+room, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Members    int              `json:"members"`
		MemberList []session.Member `json:"memberList"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&detail))
	assert.Equal(t, 3, detail.Members)
	assert.Equal(t, host.id, detail.MemberList[0].PeerID)
}

func TestServer_ChatOutsideSession(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	stranger := dialPeer(t, ts)
	host.advertise(room)

	id := stranger.request(protocol.TypeChatSend, protocol.ChatSendPayload{Session: room, Text: "hi"})
	assert.Equal(t, protocol.ErrNotMember, errorCode(t, stranger.awaitReply(id)))

	id = stranger.request(protocol.TypeChatSend, protocol.ChatSendPayload{Session: "org.example.chat.none", Text: "hi"})
	assert.Equal(t, protocol.ErrNoSession, errorCode(t, stranger.awaitReply(id)))
}

func TestServer_JoinUnknownName(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	p := dialPeer(t, ts)

	id := p.request(protocol.TypeSessionJoin, protocol.JoinPayload{Name: room})
	assert.Equal(t, protocol.ErrNoSession, errorCode(t, p.awaitReply(id)))
}

func TestServer_JoinOwnSession(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	host.advertise(room)

	id := host.request(protocol.TypeSessionJoin, protocol.JoinPayload{Name: room})
	assert.Equal(t, protocol.ErrJoinRejected, errorCode(t, host.awaitReply(id)))
}

func TestServer_JoinDeclined(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	joiner := dialPeer(t, ts)
	host.advertise(room)

	id := joiner.request(protocol.TypeSessionJoin, protocol.JoinPayload{Name: room})
	var req protocol.JoinRequestPayload
	require.NoError(t, host.await(protocol.TypeSessionJoinRequest).Decode(&req))

	// Only the host may answer.
	replyID := joiner.request(protocol.TypeSessionJoinReply, protocol.JoinReplyPayload{JoinID: req.JoinID, Accept: true})
	assert.Equal(t, protocol.ErrNotOwner, errorCode(t, joiner.awaitReply(replyID)))

	host.request(protocol.TypeSessionJoinReply, protocol.JoinReplyPayload{JoinID: req.JoinID, Accept: false})
	assert.Equal(t, protocol.ErrJoinRejected, errorCode(t, joiner.awaitReply(id)))
}

func TestServer_JoinTimesOut(t *testing.T) {
	_, ts := newTestBus(t, Options{JoinTimeout: 100 * time.Millisecond}, nil)
	host := dialPeer(t, ts)
	joiner := dialPeer(t, ts)
	host.advertise(room)

	id := joiner.request(protocol.TypeSessionJoin, protocol.JoinPayload{Name: room})
	host.await(protocol.TypeSessionJoinRequest)

	assert.Equal(t, protocol.ErrJoinRejected, errorCode(t, joiner.awaitReply(id)))
}

func TestServer_LeaveNotifiesMembers(t *testing.T) {
	_, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	joiner := dialPeer(t, ts)
	host.advertise(room)
	joinAccepted(t, host, joiner, "guest")

	id := joiner.request(protocol.TypeSessionLeave, protocol.NamePayload{Name: room})
	assert.Equal(t, protocol.TypeAck, joiner.awaitReply(id).Type)

	var left protocol.MemberPayload
	require.NoError(t, host.await(protocol.TypeSessionMemberLeft).Decode(&left))
	assert.Equal(t, joiner.id, left.PeerID)

	id = joiner.request(protocol.TypeSessionLeave, protocol.NamePayload{Name: room})
	assert.Equal(t, protocol.ErrNotMember, errorCode(t, joiner.awaitReply(id)))
}

func TestServer_HostDisconnectDissolvesSession(t *testing.T) {
	srv, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	joiner := dialPeer(t, ts)
	joiner.request(protocol.TypeNameFind, protocol.FindPayload{Prefix: "org.example.chat."})
	host.advertise(room)
	joinAccepted(t, host, joiner, "guest")

	host.conn.Close()

	var lost protocol.SessionLostPayload
	require.NoError(t, joiner.await(protocol.TypeSessionLost).Decode(&lost))
	assert.Equal(t, room, lost.Name)
	joiner.await(protocol.TypeNameLost)

	_, err := srv.sessions.Get(room)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, ok := srv.names.Lookup(room)
	assert.False(t, ok)
}

func TestServer_OperatorDissolve(t *testing.T) {
	srv, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	host.advertise(room)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("DELETE", "/sessions/"+room, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var lost protocol.SessionLostPayload
	require.NoError(t, host.await(protocol.TypeSessionLost).Decode(&lost))
	assert.Equal(t, room, lost.Name)

	// The name is free again.
	assert.Equal(t, protocol.TypeAck, host.advertise(room).Type)
}

func TestServer_LeaveWithdrawsPendingJoin(t *testing.T) {
	srv, ts := newTestBus(t, Options{}, nil)
	host := dialPeer(t, ts)
	joiner := dialPeer(t, ts)
	host.advertise(room)

	joinID := joiner.request(protocol.TypeSessionJoin, protocol.JoinPayload{Name: room, Handle: "late"})
	var req protocol.JoinRequestPayload
	require.NoError(t, host.await(protocol.TypeSessionJoinRequest).Decode(&req))

	// The joiner gives up before the host answers.
	leaveID := joiner.request(protocol.TypeSessionLeave, protocol.NamePayload{Name: room})
	assert.Equal(t, protocol.ErrJoinRejected, errorCode(t, joiner.awaitReply(joinID)))
	assert.Equal(t, protocol.TypeAck, joiner.awaitReply(leaveID).Type)

	replyID := host.request(protocol.TypeSessionJoinReply, protocol.JoinReplyPayload{JoinID: req.JoinID, Accept: true})
	assert.Equal(t, protocol.ErrNoSession, errorCode(t, host.awaitReply(replyID)))

	members, err := srv.sessions.Members(room)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, host.id, members[0].PeerID)
}

// localClient registers a peer with no socket; frames sent to it stay queued.
func localClient(srv *Server, id string) *client {
	c := &client{id: id, server: srv, send: make(chan []byte, 4096)}
	srv.clients.Set(id, c)
	return c
}

func rawFrame(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

// drain returns the frames queued for c.
func drain(t *testing.T, c *client) []*protocol.Message {
	t.Helper()
	var out []*protocol.Message
	for {
		select {
		case raw := <-c.send:
			var msg protocol.Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			out = append(out, &msg)
		default:
			return out
		}
	}
}

func TestServer_CancelAndReadvertiseStayOrdered(t *testing.T) {
	srv, _ := newTestBus(t, Options{}, nil)
	finder := localClient(srv, "peer-finder")
	srv.handleMessage(finder, rawFrame(t, protocol.TypeNameFind, protocol.FindPayload{Prefix: "org.example.chat."}))

	advertise := rawFrame(t, protocol.TypeNameAdvertise, protocol.AdvertisePayload{Name: room, Interface: roomIfc, Path: roomPath})
	cancel := rawFrame(t, protocol.TypeNameCancel, protocol.NamePayload{Name: room})

	hosts := []*client{localClient(srv, "peer-a"), localClient(srv, "peer-b")}
	var wg sync.WaitGroup
	for _, c := range hosts {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				srv.handleMessage(c, advertise)
				srv.handleMessage(c, cancel)
			}
		}(c)
	}
	wg.Wait()

	for _, c := range hosts {
		for _, msg := range drain(t, c) {
			if msg.Type == protocol.TypeError {
				assert.NotEqual(t, protocol.ErrNameRejected, errorCode(t, msg), "peer %s", c.id)
			}
		}
	}

	// Notices alternate and end with the name gone, like the table.
	var last string
	for _, msg := range drain(t, finder) {
		if msg.Type != protocol.TypeNameFound && msg.Type != protocol.TypeNameLost {
			continue
		}
		require.NotEqual(t, last, msg.Type, "two %s notices in a row", msg.Type)
		last = msg.Type
	}
	assert.Equal(t, protocol.TypeNameLost, last)
	_, ok := srv.names.Lookup(room)
	assert.False(t, ok)
}
