package server

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/stats"
	"github.com/npezzotti/go-pollroom/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// authWait bounds how long a connection may sit unauthenticated
var authWait = 10 * time.Second

// Authenticator turns a bearer credential into a user identity.
type Authenticator interface {
	Authenticate(token string) (types.User, error)
}

// Client is one live connection. It starts unauthenticated; the first frame
// must be a login carrying a valid token, after which the client may join
// poll rooms and cast votes.
type Client struct {
	id            uuid.UUID
	conn          *websocket.Conn
	ps            *PollServer
	notifier      Notifier
	auth          Authenticator
	log           *log.Logger
	user          types.User
	authenticated bool
	send          chan *ServerMessage
	rooms         map[string]*Room
	roomsLock     sync.RWMutex
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewClient(conn *websocket.Conn, ps *PollServer, notifier Notifier, auth Authenticator, l *log.Logger) *Client {
	return &Client{
		id:       uuid.New(),
		conn:     conn,
		ps:       ps,
		notifier: notifier,
		auth:     auth,
		log:      l,
		send:     make(chan *ServerMessage, 256),
		rooms:    make(map[string]*Room),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for client %s", c.id)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for client %s", c.id)
	}()

	// drop the connection if no credential arrives in time. The close frame
	// is written here directly because Close tears down the write pump
	// before a queued message would be flushed.
	authTimer := time.AfterFunc(authWait, func() {
		c.log.Printf("client %s did not authenticate in time", c.id)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication timeout"),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
	defer authTimer.Stop()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c

		if !c.authenticated {
			if msg.Login == nil || !c.handleLogin(&msg) {
				// missing or invalid credential, the session never
				// reaches any room
				c.queueMessage(ErrAuthenticationFailed(msg.Id))
				return
			}

			authTimer.Stop()
			continue
		}

		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Login != nil:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		case msg.Join != nil:
			c.joinPoll(&msg)
		case msg.Leave != nil:
			c.leavePoll(&msg)
		case msg.Vote != nil:
			c.castVote(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) handleLogin(msg *ClientMessage) bool {
	user, err := c.auth.Authenticate(msg.Login.Token)
	if err != nil {
		c.log.Printf("authentication failed for client %s: %v", c.id, err)
		return false
	}

	c.user = user
	c.authenticated = true

	select {
	case c.ps.registerChan <- c:
	case <-c.ps.stop:
		return false
	}

	c.queueMessage(NoErrOK(msg.Id, user))
	return true
}

// joinPoll resolves and gate-checks the poll on the session goroutine, so a
// slow store read never stalls the registry loop, then hands the join to the
// registry.
func (c *Client) joinPoll(msg *ClientMessage) {
	poll, err := c.ps.gate.IsJoinable(msg.Join.PollId)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrPollNotFound):
			c.queueMessage(ErrPollNotFound(msg.Id))
		case errors.Is(err, database.ErrPollNotPublished):
			c.queueMessage(ErrPollNotJoinable(msg.Id))
		default:
			c.log.Println("IsJoinable:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	msg.poll = poll
	select {
	case c.ps.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leavePoll(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.PollId)
	if r == nil {
		c.queueMessage(ErrPollNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for room %q", r.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// castVote writes the vote through the ledger and, when state changed,
// triggers a broadcast via the dispatcher. A duplicate vote is acknowledged
// as a conflict and must not re-broadcast.
func (c *Client) castVote(msg *ClientMessage) {
	poll, err := c.ps.gate.IsVotable(msg.Vote.PollId)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrPollNotFound):
			c.queueMessage(ErrPollNotFound(msg.Id))
		case errors.Is(err, database.ErrPollNotPublished):
			c.queueMessage(ErrPollNotJoinable(msg.Id))
		default:
			c.log.Println("IsVotable:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	_, err = c.ps.db.CastVote(c.user.Id, poll.Id, msg.Vote.OptionId)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrDuplicateVote):
			c.queueMessage(ErrDuplicateVote(msg.Id))
		case errors.Is(err, database.ErrOptionNotFound):
			c.queueMessage(ErrOptionNotFound(msg.Id))
		case errors.Is(err, database.ErrPollNotPublished):
			c.queueMessage(ErrPollNotJoinable(msg.Id))
		default:
			c.log.Println("CastVote:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	c.ps.stats.Incr(stats.VotesCast)
	c.queueMessage(NoErrAccepted(msg.Id))
	c.notifier.Notify(poll.ExternalId)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	if c.authenticated {
		select {
		case c.ps.deregisterChan <- c:
		case <-c.ps.stop:
		}
	}

	c.leaveAllRooms()
	c.stopClient()
}

// leaveAllRooms removes this session from every room it joined. Safe to call
// on disconnect even if the session never joined anything.
func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		select {
		case room.leaveChan <- &ClientMessage{
			Leave:  &Leave{PollId: room.externalId},
			UserId: c.user.Id,
			client: c,
		}:
		default:
			c.log.Printf("leaveChan full for room %q", room.externalId)
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
