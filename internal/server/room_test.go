package server

import (
	"testing"
	"time"

	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/stats"
	"github.com/npezzotti/go-pollroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(t *testing.T, ps *PollServer, poll database.Poll) *Room {
	t.Helper()

	r := newRoom(poll, ps)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()
	return r
}

func TestAddRemoveRoomClient(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	c1 := newTestClient(types.User{Id: 1, Username: "user-one"})
	c2 := newTestClient(types.User{Id: 1, Username: "user-one"})
	c3 := newTestClient(types.User{Id: 2, Username: "user-two"})

	r.addClient(c1)
	r.addClient(c2)
	r.addClient(c3)

	assert.Len(t, r.clients, 3)
	assert.Len(t, r.userMap, 2, "two tabs for the same user count once")
	assert.Equal(t, r, c1.getRoom("abc123"))

	r.removeClient(c1)
	assert.Len(t, r.clients, 2)
	assert.Len(t, r.userMap, 2, "user still present through the second connection")
	assert.Nil(t, c1.getRoom("abc123"))

	r.removeClient(c2)
	assert.Len(t, r.userMap, 1)

	// removing an unknown client is a no-op
	r.removeClient(c1)

	r.removeClient(c3)
	assert.Empty(t, r.clients)
	assert.Empty(t, r.userMap)
}

func Test_handleJoin(t *testing.T) {
	t.Run("delivers snapshot and presence", func(t *testing.T) {
		db := &database.MockPollRepository{}
		defer db.AssertExpectations(t)

		poll := database.Poll{Id: 1, ExternalId: "abc123", Question: "favorite color?"}
		db.On("GetPollTally", 1).Return([]database.OptionCount{
			{OptionId: 1, Text: "red", Count: 2},
			{OptionId: 2, Text: "blue", Count: 2},
		}, 4, nil)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		r := newTestRoom(t, ps, poll)
		c := newTestClient(types.User{Id: 1, Username: "testuser"})

		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{PollId: "abc123"},
			client:      c,
		})

		assert.Contains(t, r.clients, c)

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 200, msg.Response.ResponseCode)
		assert.Equal(t, 1, msg.Id)
		require.NotNil(t, msg.Snapshot)
		assert.Equal(t, "abc123", msg.Snapshot.PollId)
		assert.Equal(t, 4, msg.Snapshot.TotalVotes)

		presence := <-c.send
		require.NotNil(t, presence.Notification)
		require.NotNil(t, presence.Notification.Presence)
		assert.Equal(t, 1, presence.Notification.Presence.ActiveMembers)
	})

	t.Run("snapshot failure rejects the join", func(t *testing.T) {
		db := &database.MockPollRepository{}
		defer db.AssertExpectations(t)

		poll := database.Poll{Id: 1, ExternalId: "abc123"}
		db.On("GetPollTally", 1).Return([]database.OptionCount(nil), 0, assert.AnError)

		ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
		r := newTestRoom(t, ps, poll)
		c := newTestClient(types.User{Id: 1, Username: "testuser"})

		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{PollId: "abc123"},
			client:      c,
		})

		assert.NotContains(t, r.clients, c)

		msg := <-c.send
		require.NotNil(t, msg.Response)
		assert.Equal(t, 500, msg.Response.ResponseCode)
	})
}

func Test_handleLeave(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	c1 := newTestClient(types.User{Id: 1, Username: "user-one"})
	c2 := newTestClient(types.User{Id: 2, Username: "user-two"})
	r.addClient(c1)
	r.addClient(c2)

	r.handleLeave(&ClientMessage{
		BaseMessage: BaseMessage{Id: 3},
		Leave:       &Leave{PollId: "abc123"},
		client:      c1,
	})

	assert.NotContains(t, r.clients, c1)

	// explicit leaves are acknowledged
	ack := <-c1.send
	require.NotNil(t, ack.Response)
	assert.Equal(t, 200, ack.Response.ResponseCode)
	assert.Equal(t, 3, ack.Id)

	// the remaining member sees the updated presence count
	presence := <-c2.send
	require.NotNil(t, presence.Notification)
	require.NotNil(t, presence.Notification.Presence)
	assert.Equal(t, 1, presence.Notification.Presence.ActiveMembers)
}

func Test_markDirtyCoalesces(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	r.markDirty()
	r.markDirty()
	r.markDirty()

	assert.Len(t, r.dirty, 1, "pending signals collapse into one recompute")
}

func Test_handleDirty(t *testing.T) {
	db := &database.MockPollRepository{}
	defer db.AssertExpectations(t)

	poll := database.Poll{Id: 1, ExternalId: "abc123", Question: "favorite color?"}
	db.On("GetPollTally", 1).Return([]database.OptionCount{
		{OptionId: 1, Text: "red", Count: 3},
		{OptionId: 2, Text: "blue", Count: 1},
	}, 4, nil)

	su := &stats.MockStatsUpdater{}
	ps := newTestPollServer(t, db, su)
	r := newTestRoom(t, ps, poll)

	c1 := newTestClient(types.User{Id: 1, Username: "user-one"})
	c2 := newTestClient(types.User{Id: 2, Username: "user-two"})
	r.addClient(c1)
	r.addClient(c2)

	r.handleDirty()

	for _, c := range []*Client{c1, c2} {
		msg := <-c.send
		require.NotNil(t, msg.Snapshot)
		assert.Equal(t, 4, msg.Snapshot.TotalVotes)
		assert.Equal(t, 75.0, msg.Snapshot.Options[0].Percentage)
	}

	su.AssertCalled(t, "Incr", stats.BroadcastsSent)
}

func Test_broadcastDisconnectsSlowClient(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	slow := newTestClient(types.User{Id: 1, Username: "slow"})
	slow.log = ps.log
	slow.send = make(chan *ServerMessage) // unbuffered and never drained
	healthy := newTestClient(types.User{Id: 2, Username: "healthy"})
	r.addClient(slow)
	r.addClient(healthy)

	r.broadcast(&ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}})

	select {
	case <-slow.stop:
	default:
		t.Error("expected slow client to be stopped")
	}

	select {
	case <-healthy.stop:
		t.Error("healthy client should not be stopped")
	default:
	}
	assert.Len(t, healthy.send, 1)
}

func Test_broadcastSkipsClient(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	c1 := newTestClient(types.User{Id: 1, Username: "user-one"})
	c2 := newTestClient(types.User{Id: 2, Username: "user-two"})
	r.addClient(c1)
	r.addClient(c2)

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		SkipClient:  c1,
	})

	assert.Empty(t, c1.send)
	assert.Len(t, c2.send, 1)
}

func Test_handleRoomExit(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	c := newTestClient(types.User{Id: 1, Username: "testuser"})
	r.addClient(c)

	done := make(chan string, 1)
	r.handleRoomExit(exitReq{deleted: true, done: done})

	msg := <-c.send
	require.NotNil(t, msg.Notification)
	require.NotNil(t, msg.Notification.PollDeleted)
	assert.Equal(t, "abc123", msg.Notification.PollDeleted.PollId)

	assert.Nil(t, c.getRoom("abc123"))
	assert.Equal(t, "abc123", <-done)
}

func Test_handleRoomTimeout(t *testing.T) {
	db := &database.MockPollRepository{}
	ps := newTestPollServer(t, db, &stats.MockStatsUpdater{})
	r := newTestRoom(t, ps, database.Poll{Id: 1, ExternalId: "abc123"})

	r.handleRoomTimeout()

	select {
	case req := <-ps.unloadRoomChan:
		assert.Equal(t, "abc123", req.roomId)
		assert.False(t, req.deleted)
	default:
		t.Error("expected an unload request")
	}
}
