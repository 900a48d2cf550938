package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/stats"
	"github.com/npezzotti/go-pollroom/internal/testutil"
	"github.com/npezzotti/go-pollroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	user types.User
	err  error
}

func (f *fakeAuthenticator) Authenticate(token string) (types.User, error) {
	return f.user, f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	pollIds []string
}

func (f *fakeNotifier) Notify(pollId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollIds = append(f.pollIds, pollId)
}

func (f *fakeNotifier) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pollIds...)
}

func newConnectedClient(t *testing.T, ps *PollServer, notifier Notifier, user types.User) *Client {
	t.Helper()

	return &Client{
		id:            uuid.New(),
		ps:            ps,
		notifier:      notifier,
		log:           testutil.TestLogger(t),
		user:          user,
		authenticated: true,
		send:          make(chan *ServerMessage, 256),
		rooms:         make(map[string]*Room),
		stop:          make(chan struct{}),
	}
}

func Test_queueMessage(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{Id: 1})
	c.send = make(chan *ServerMessage, 1)

	assert.True(t, c.queueMessage(NoErrOK(1, nil)))
	assert.False(t, c.queueMessage(NoErrOK(2, nil)), "full queue must not block")
}

func Test_handleLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db := &database.MockPollRepository{}
		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})

		user := types.User{Id: 1, Username: "testuser"}
		c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{})
		c.authenticated = false
		c.auth = &fakeAuthenticator{user: user}

		go ps.Run()
		defer func() {
			close(ps.stop)
			<-ps.done
		}()

		ok := c.handleLogin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Login:       &Login{Token: "some-token"},
		})
		require.True(t, ok)
		assert.True(t, c.authenticated)
		assert.Equal(t, user, c.user)

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 200, msg.Response.ResponseCode)
		assert.Equal(t, user, msg.Response.Data)
	})

	t.Run("bad credential", func(t *testing.T) {
		db := &database.MockPollRepository{}
		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})

		c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{})
		c.authenticated = false
		c.auth = &fakeAuthenticator{err: errors.New("invalid token")}

		ok := c.handleLogin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Login:       &Login{Token: "bad-token"},
		})
		assert.False(t, ok)
		assert.False(t, c.authenticated)
	})
}

func Test_castVote(t *testing.T) {
	poll := database.Poll{Id: 1, ExternalId: "abc123", Published: true}
	user := types.User{Id: 7, Username: "voter"}

	t.Run("accepted vote triggers a broadcast", func(t *testing.T) {
		db := &database.MockPollRepository{}
		defer db.AssertExpectations(t)

		db.On("GetPollByExternalId", "abc123").Return(poll, nil)
		db.On("CastVote", 7, 1, 2).Return(database.VoteCreated, nil)

		su := &stats.MockStatsUpdater{}
		ps := newTestPollServer(t, db, su)
		notifier := &fakeNotifier{}
		c := newConnectedClient(t, ps, notifier, user)

		c.castVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 4},
			Vote:        &Vote{PollId: "abc123", OptionId: 2},
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 202, msg.Response.ResponseCode)
		assert.Equal(t, []string{"abc123"}, notifier.notified())
		su.AssertCalled(t, "Incr", stats.VotesCast)
	})

	t.Run("moved vote triggers a broadcast", func(t *testing.T) {
		db := &database.MockPollRepository{}
		db.On("GetPollByExternalId", "abc123").Return(poll, nil)
		db.On("CastVote", 7, 1, 3).Return(database.VoteMoved, nil)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		notifier := &fakeNotifier{}
		c := newConnectedClient(t, ps, notifier, user)

		c.castVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Vote:        &Vote{PollId: "abc123", OptionId: 3},
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 202, msg.Response.ResponseCode)
		assert.Equal(t, []string{"abc123"}, notifier.notified())
	})

	t.Run("duplicate vote is a conflict and no broadcast", func(t *testing.T) {
		db := &database.MockPollRepository{}
		db.On("GetPollByExternalId", "abc123").Return(poll, nil)
		db.On("CastVote", 7, 1, 2).Return(database.VoteStatus(0), database.ErrDuplicateVote)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		notifier := &fakeNotifier{}
		c := newConnectedClient(t, ps, notifier, user)

		c.castVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Vote:        &Vote{PollId: "abc123", OptionId: 2},
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 409, msg.Response.ResponseCode)
		assert.Empty(t, notifier.notified(), "a no-op vote must not re-broadcast")
	})

	t.Run("unknown option", func(t *testing.T) {
		db := &database.MockPollRepository{}
		db.On("GetPollByExternalId", "abc123").Return(poll, nil)
		db.On("CastVote", 7, 1, 99).Return(database.VoteStatus(0), database.ErrOptionNotFound)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		notifier := &fakeNotifier{}
		c := newConnectedClient(t, ps, notifier, user)

		c.castVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 7},
			Vote:        &Vote{PollId: "abc123", OptionId: 99},
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 404, msg.Response.ResponseCode)
		assert.Empty(t, notifier.notified())
	})

	t.Run("unpublished poll", func(t *testing.T) {
		db := &database.MockPollRepository{}
		db.On("GetPollByExternalId", "draft").Return(database.Poll{
			Id: 2, ExternalId: "draft", Published: false,
		}, nil)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		notifier := &fakeNotifier{}
		c := newConnectedClient(t, ps, notifier, user)

		c.castVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 8},
			Vote:        &Vote{PollId: "draft", OptionId: 1},
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 403, msg.Response.ResponseCode)
		assert.Empty(t, notifier.notified())
	})
}

func Test_joinPoll(t *testing.T) {
	user := types.User{Id: 1, Username: "testuser"}

	t.Run("forwards a joinable poll to the registry", func(t *testing.T) {
		db := &database.MockPollRepository{}
		defer db.AssertExpectations(t)

		poll := database.Poll{Id: 1, ExternalId: "abc123", Published: true}
		db.On("GetPollByExternalId", "abc123").Return(poll, nil)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		c := newConnectedClient(t, ps, &fakeNotifier{}, user)

		c.joinPoll(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{PollId: "abc123"},
			client:      c,
		})

		select {
		case got := <-ps.joinChan:
			assert.Equal(t, poll, got.poll, "the resolved poll rides along with the join")
		default:
			t.Error("expected join to reach the registry")
		}
	})

	t.Run("poll not found", func(t *testing.T) {
		db := &database.MockPollRepository{}
		db.On("GetPollByExternalId", "missing").Return(database.Poll{}, database.ErrPollNotFound)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		c := newConnectedClient(t, ps, &fakeNotifier{}, user)

		c.joinPoll(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{PollId: "missing"},
			client:      c,
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 404, msg.Response.ResponseCode)
		assert.Empty(t, ps.joinChan, "a failed gate check never reaches the registry")
	})

	t.Run("poll not published", func(t *testing.T) {
		db := &database.MockPollRepository{}
		db.On("GetPollByExternalId", "draft").Return(database.Poll{
			Id:         1,
			ExternalId: "draft",
		}, nil)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		c := newConnectedClient(t, ps, &fakeNotifier{}, user)

		c.joinPoll(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{PollId: "draft"},
			client:      c,
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 403, msg.Response.ResponseCode)
		assert.Empty(t, ps.joinChan)
	})
}

func Test_authTimeoutSendsCloseFrame(t *testing.T) {
	oldWait := authWait
	authWait = 100 * time.Millisecond
	t.Cleanup(func() { authWait = oldWait })

	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		c := NewClient(conn, ps, &fakeNotifier{}, &fakeAuthenticator{err: errors.New("no token")}, testutil.TestLogger(t))
		go c.Write()
		go c.Read()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// never send a login; the server must close with a policy violation
	// frame rather than dropping the socket silently
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected a policy violation close frame, got: %v", err)
}

func Test_leavePoll(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{Id: 1})

	t.Run("not a member", func(t *testing.T) {
		c.leavePoll(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Leave:       &Leave{PollId: "abc123"},
		})

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 404, msg.Response.ResponseCode)
	})

	t.Run("forwards to the room", func(t *testing.T) {
		r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})
		c.addRoom(r)

		leave := &ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Leave:       &Leave{PollId: "abc123"},
			client:      c,
		}
		c.leavePoll(leave)

		select {
		case got := <-r.leaveChan:
			assert.Equal(t, leave, got)
		default:
			t.Error("expected leave to be forwarded to the room")
		}
	})
}

func Test_leaveAllRooms(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{Id: 1})

	r1 := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "room-one"})
	r2 := newTestRoom(t, ps, database.Poll{Id: 2, ExternalId: "room-two"})
	c.addRoom(r1)
	c.addRoom(r2)

	c.leaveAllRooms()

	for _, r := range []*Room{r1, r2} {
		select {
		case msg := <-r.leaveChan:
			require.NotNil(t, msg.Leave)
			assert.Equal(t, r.externalId, msg.Leave.PollId)
		default:
			t.Errorf("expected leave for room %q", r.externalId)
		}
	}
}

func Test_stopClientIsIdempotent(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{Id: 1})

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_addDelGetRoom(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	c := newConnectedClient(t, ps, &fakeNotifier{}, types.User{Id: 1})

	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})
	c.addRoom(r)
	assert.Equal(t, r, c.getRoom("abc123"))

	c.delRoom("abc123")
	assert.Nil(t, c.getRoom("abc123"))
}
