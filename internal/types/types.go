package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Poll struct {
	PollId    string       `json:"poll_id"`
	Question  string       `json:"question"`
	Published bool         `json:"published"`
	OwnerId   int          `json:"owner_id"`
	Options   []PollOption `json:"options,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

type PollOption struct {
	Id   int    `json:"id"`
	Text string `json:"text"`
}

// OptionTally is one option's share of a TallySnapshot.
type OptionTally struct {
	OptionId   int     `json:"option_id"`
	Text       string  `json:"text"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TallySnapshot is a point-in-time summary of a poll's votes. It is
// recomputed from the store on every broadcast, never cached across cycles.
type TallySnapshot struct {
	PollId     string        `json:"poll_id"`
	Question   string        `json:"question,omitempty"`
	Options    []OptionTally `json:"options"`
	TotalVotes int           `json:"total_votes"`
	Timestamp  time.Time     `json:"timestamp"`
}

type Presence struct {
	PollId        string `json:"poll_id"`
	ActiveMembers int    `json:"active_members"`
}
