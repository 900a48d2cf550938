package server

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/stats"
)

type unloadRoomRequest struct {
	roomId  string
	deleted bool
}

// PollServer owns the poll id to room mapping. All room lifecycle, joins
// included, is serialized through its Run loop, so the mapping itself needs
// no lock.
type PollServer struct {
	log            *log.Logger
	db             database.PollRepository
	gate           *PublicationGate
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deregisterChan chan *Client
	notifyChan     chan string
	removeRoomChan chan string
	unloadRoomChan chan unloadRoomRequest
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
}

func NewPollServer(logger *log.Logger, db database.PollRepository, statsProvider stats.StatsProvider) (*PollServer, error) {
	ps := &PollServer{
		log:            logger,
		db:             db,
		gate:           NewPublicationGate(db),
		stats:          statsProvider,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		notifyChan:     make(chan string, 256),
		removeRoomChan: make(chan string),
		unloadRoomChan: make(chan unloadRoomRequest, 16),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, name := range []string{
		stats.ActiveConnections,
		stats.ActiveRooms,
		stats.VotesCast,
		stats.BroadcastsSent,
	} {
		ps.stats.RegisterMetric(name)
	}

	return ps, nil
}

func (ps *PollServer) Run() {
	for {
		select {
		case joinMsg := <-ps.joinChan:
			ps.handleJoinRequest(joinMsg)
		case pollId := <-ps.notifyChan:
			if room, ok := ps.rooms[pollId]; ok {
				room.markDirty()
			}
		case client := <-ps.registerChan:
			ps.log.Printf("adding connection from %q", client.user.Username)
			ps.addClient(client)
			ps.stats.Incr(stats.ActiveConnections)
		case client := <-ps.deregisterChan:
			ps.removeClient(client)
		case req := <-ps.unloadRoomChan:
			if r, ok := ps.rooms[req.roomId]; ok {
				// a join can race the idle timer: the unload request is
				// stale if the room has members again or a join is still
				// waiting on its channel
				if !req.deleted && (len(r.joinChan) > 0 || r.memberCount() > 0) {
					continue
				}
				ps.unloadRoom(req.roomId)
				r.exit <- exitReq{deleted: req.deleted}
			}
		case id := <-ps.removeRoomChan:
			if r, ok := ps.rooms[id]; ok {
				ps.unloadRoom(id)
				done := make(chan string)
				r.exit <- exitReq{deleted: true, done: done}
				<-done
			}
		case <-ps.stop:
			ps.log.Println("shutting down rooms")
			for _, r := range ps.rooms {
				done := make(chan string)
				r.exit <- exitReq{done: done}
				<-done
			}

			close(ps.done)
			return
		}
	}
}

// handleJoinRequest routes a join to its room, creating the room on first
// join. The poll was gate-checked and resolved on the session goroutine
// before the registry hop, so this never blocks on the store.
func (ps *PollServer) handleJoinRequest(joinMsg *ClientMessage) {
	if room, ok := ps.rooms[joinMsg.Join.PollId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			ps.log.Printf("join channel full on room %q", room.externalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	room := newRoom(joinMsg.poll, ps)
	ps.rooms[room.externalId] = room
	ps.stats.Incr(stats.ActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

// markDirty signals that a poll's tally changed. Routed through the Run loop
// so the room map is only touched from one goroutine.
func (ps *PollServer) markDirty(pollId string) {
	ps.notifyChan <- pollId
}

// DissolveRoom tears down a poll's live room, notifying members the poll is
// gone. Blocks until the room has exited. No-op when no room is live.
func (ps *PollServer) DissolveRoom(pollId string) {
	ps.removeRoomChan <- pollId
}

func (ps *PollServer) addClient(c *Client) {
	ps.clientsLock.Lock()
	defer ps.clientsLock.Unlock()
	ps.clients[c] = struct{}{}
}

func (ps *PollServer) removeClient(c *Client) {
	ps.clientsLock.Lock()
	defer ps.clientsLock.Unlock()
	if _, ok := ps.clients[c]; ok {
		delete(ps.clients, c)
		ps.stats.Decr(stats.ActiveConnections)
	}
}

func (ps *PollServer) unloadRoom(roomId string) {
	if r, ok := ps.rooms[roomId]; ok {
		ps.log.Printf("removing room %q", r.externalId)
		delete(ps.rooms, roomId)
		ps.stats.Decr(stats.ActiveRooms)
	}
}

func (ps *PollServer) Shutdown(ctx context.Context) error {
	ps.log.Println("received shutdown signal")
	ps.clientsLock.Lock()
	for c := range ps.clients {
		c.stopClient()
	}
	ps.clientsLock.Unlock()

	close(ps.stop)

	select {
	case <-ps.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
