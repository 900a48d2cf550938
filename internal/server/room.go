package server

import (
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/stats"
	"github.com/npezzotti/go-pollroom/internal/types"
)

const idleRoomTimeout = time.Second * 30

type exitReq struct {
	deleted bool
	done    chan string
}

// Room fans tally updates out to every live connection watching one poll.
// All membership changes and broadcasts run on the room's own goroutine, so
// any single member observes snapshots in the order they were computed.
type Room struct {
	id         int
	externalId string
	poll       database.Poll
	ps         *PollServer
	joinChan   chan *ClientMessage
	leaveChan  chan *ClientMessage
	// dirty has capacity one: concurrent notifies for the same poll coalesce
	// into a single recompute, and because the snapshot is read fresh from
	// the store at drain time no vote's effect is ever dropped.
	dirty      chan struct{}
	clients    map[*Client]struct{}
	userMap    map[int]map[*Client]struct{}
	clientLock sync.RWMutex
	log        *log.Logger
	// killTimer unloads the room once the last member has left
	killTimer *time.Timer
	exit      chan exitReq
}

func newRoom(poll database.Poll, ps *PollServer) *Room {
	return &Room{
		id:         poll.Id,
		externalId: poll.ExternalId,
		poll:       poll,
		ps:         ps,
		joinChan:   make(chan *ClientMessage, 256),
		leaveChan:  make(chan *ClientMessage, 256),
		dirty:      make(chan struct{}, 1),
		clients:    make(map[*Client]struct{}),
		userMap:    make(map[int]map[*Client]struct{}),
		log:        ps.log,
		exit:       make(chan exitReq),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case <-r.dirty:
			r.handleDirty()
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// markDirty requests a rebroadcast. Non-blocking: a pending signal already
// guarantees a fresh snapshot will be computed after this point.
func (r *Room) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

func (r *Room) handleDirty() {
	snapshot, err := BuildSnapshot(r.ps.db, r.poll)
	if err != nil {
		r.log.Printf("snapshot for room %q: %v", r.externalId, err)
		return
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Snapshot:    snapshot,
	})
	r.ps.stats.Incr(stats.BroadcastsSent)
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client

	// late joiners see current state, not a stale zero-state
	snapshot, err := BuildSnapshot(r.ps.db, r.poll)
	if err != nil {
		r.log.Printf("snapshot for room %q: %v", r.externalId, err)
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	r.addClient(c)

	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        join.Id,
			Timestamp: Now(),
		},
		Response: &Response{ResponseCode: 200},
		Snapshot: snapshot,
	})

	r.notifyPresence()
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client
	r.removeClient(client)

	if leaveMsg.Id != 0 {
		// the leave came from an explicit request, acknowledge it
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	r.notifyPresence()
}

// notifyPresence tells every member how many users are currently watching.
// Best effort: a missed presence update is not correctness-critical.
func (r *Room) notifyPresence() {
	r.clientLock.RLock()
	count := len(r.userMap)
	r.clientLock.RUnlock()

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &types.Presence{
				PollId:        r.externalId,
				ActiveMembers: count,
			},
		},
	})
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.ps.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		// registry busy, try again on the next idle period
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				PollDeleted: &PollDeleted{PollId: r.externalId},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) memberCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	r.log.Printf("removed client %q from room %q", c.user.Username, r.externalId)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// broadcast delivers msg to every member. A member whose send queue is full
// is disconnected rather than buffered without bound; the rest of the room
// is unaffected.
func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		if !client.queueMessage(msg) {
			r.log.Printf("dropping slow client %q from room %q", client.user.Username, r.externalId)
			client.stopClient()
		}
	}
}
