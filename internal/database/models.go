package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Poll struct {
	Id         int
	ExternalId string
	Question   string
	Published  bool
	OwnerId    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Options    []Option
}

type Option struct {
	Id     int
	PollId int
	Text   string
}

type Vote struct {
	Id        int
	AccountId int
	PollId    int
	OptionId  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OptionCount is a per-option vote count as read from the store.
type OptionCount struct {
	OptionId int
	Text     string
	Count    int
}

// VoteStatus reports how CastVote resolved.
type VoteStatus int

const (
	// VoteCreated means the user had no prior vote on the poll.
	VoteCreated VoteStatus = iota
	// VoteMoved means an existing vote was switched to another option.
	VoteMoved
)

func (s VoteStatus) String() string {
	switch s {
	case VoteCreated:
		return "created"
	case VoteMoved:
		return "moved"
	default:
		return "unknown"
	}
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreatePollParams struct {
	Question   string
	ExternalId string
	OwnerId    int
	Options    []string
}
