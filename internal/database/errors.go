package database

import "errors"

var (
	// ErrPollNotFound is returned when a poll does not exist.
	ErrPollNotFound = errors.New("poll not found")
	// ErrOptionNotFound is returned when an option does not exist or does
	// not belong to the poll being voted on.
	ErrOptionNotFound = errors.New("option not found")
	// ErrPollNotPublished is returned when voting on or joining a poll
	// that has not been published.
	ErrPollNotPublished = errors.New("poll not published")
	// ErrDuplicateVote is returned when a user votes for the option they
	// already hold on a poll. It is a benign outcome, callers must not
	// trigger a broadcast for it.
	ErrDuplicateVote = errors.New("duplicate vote")
)
