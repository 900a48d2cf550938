package server

import (
	"github.com/npezzotti/go-pollroom/internal/database"
)

// PublicationGate centralizes the publication rule: only published polls
// accept joins and votes. The room registry and the vote paths both read
// through it so they apply the rule identically.
type PublicationGate struct {
	db database.PollRepository
}

func NewPublicationGate(db database.PollRepository) *PublicationGate {
	return &PublicationGate{db: db}
}

// IsJoinable resolves a poll by its external id and reports whether live
// connections may join its room. Fails with database.ErrPollNotFound or
// database.ErrPollNotPublished.
func (g *PublicationGate) IsJoinable(externalId string) (database.Poll, error) {
	poll, err := g.db.GetPollByExternalId(externalId)
	if err != nil {
		return database.Poll{}, err
	}

	if !poll.Published {
		return database.Poll{}, database.ErrPollNotPublished
	}

	return poll, nil
}

// IsVotable reports whether a poll accepts votes. Same rule as IsJoinable;
// the vote transaction re-checks it atomically.
func (g *PublicationGate) IsVotable(externalId string) (database.Poll, error) {
	return g.IsJoinable(externalId)
}
