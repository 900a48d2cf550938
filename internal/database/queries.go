package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (db *PgPollRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgPollRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, created_at, updated_at",
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgPollRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgPollRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgPollRepository) CreatePoll(params CreatePollParams) (Poll, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Poll{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO polls (external_id, question, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, external_id, question, published, owner_id, created_at, updated_at",
		params.ExternalId,
		params.Question,
		params.OwnerId,
		time.Now().UTC(),
	)

	var poll Poll
	err = res.Scan(
		&poll.Id,
		&poll.ExternalId,
		&poll.Question,
		&poll.Published,
		&poll.OwnerId,
		&poll.CreatedAt,
		&poll.UpdatedAt,
	)
	if err != nil {
		return Poll{}, err
	}

	for _, text := range params.Options {
		var opt Option
		err = tx.QueryRow(
			"INSERT INTO poll_options (poll_id, text) VALUES ($1, $2) RETURNING id, poll_id, text",
			poll.Id,
			text,
		).Scan(&opt.Id, &opt.PollId, &opt.Text)
		if err != nil {
			return Poll{}, err
		}

		poll.Options = append(poll.Options, opt)
	}

	if err = tx.Commit(); err != nil {
		return Poll{}, err
	}

	return poll, nil
}

func (db *PgPollRepository) GetPollByExternalId(externalId string) (Poll, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, question, published, owner_id, created_at, updated_at FROM polls "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var poll Poll
	err := row.Scan(
		&poll.Id,
		&poll.ExternalId,
		&poll.Question,
		&poll.Published,
		&poll.OwnerId,
		&poll.CreatedAt,
		&poll.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Poll{}, ErrPollNotFound
		}
		return Poll{}, err
	}

	rows, err := db.conn.Query(
		"SELECT id, poll_id, text FROM poll_options WHERE poll_id = $1 ORDER BY id",
		poll.Id,
	)
	if err != nil {
		return Poll{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var opt Option
		if err = rows.Scan(&opt.Id, &opt.PollId, &opt.Text); err != nil {
			return Poll{}, err
		}

		poll.Options = append(poll.Options, opt)
	}

	return poll, rows.Err()
}

func (db *PgPollRepository) ListPolls(ownerId int) ([]Poll, error) {
	rows, err := db.conn.Query(
		"SELECT id, external_id, question, published, owner_id, created_at, updated_at FROM polls "+
			"WHERE owner_id = $1 ORDER BY created_at DESC",
		ownerId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var polls []Poll
	for rows.Next() {
		var poll Poll
		if err = rows.Scan(
			&poll.Id,
			&poll.ExternalId,
			&poll.Question,
			&poll.Published,
			&poll.OwnerId,
			&poll.CreatedAt,
			&poll.UpdatedAt,
		); err != nil {
			return nil, err
		}

		polls = append(polls, poll)
	}

	return polls, rows.Err()
}

// PublishPoll flips a poll's published flag. Publication is one way, a
// published poll stays published.
func (db *PgPollRepository) PublishPoll(pollId int) (Poll, error) {
	res := db.conn.QueryRow(
		"UPDATE polls SET published = TRUE, updated_at = $2 WHERE id = $1 "+
			"RETURNING id, external_id, question, published, owner_id, created_at, updated_at",
		pollId,
		time.Now().UTC(),
	)

	var poll Poll
	err := res.Scan(
		&poll.Id,
		&poll.ExternalId,
		&poll.Question,
		&poll.Published,
		&poll.OwnerId,
		&poll.CreatedAt,
		&poll.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Poll{}, ErrPollNotFound
		}
		return Poll{}, err
	}

	return poll, nil
}

func (db *PgPollRepository) DeletePoll(pollId int) error {
	// options and votes cascade
	res, err := db.conn.Exec("DELETE FROM polls WHERE id = $1", pollId)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPollNotFound
	}

	return nil
}

// CastVote records a user's vote on a poll in a single transaction. A user
// holds at most one vote per poll: a first vote inserts a row, a vote for a
// different option moves the existing row, and a vote for the option already
// held fails with ErrDuplicateVote. The upsert is a single statement guarded
// by the (account_id, poll_id) unique constraint, so two concurrent casts
// from the same user can never both insert.
func (db *PgPollRepository) CastVote(accountId, pollId, optionId int) (VoteStatus, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var published bool
	err = tx.QueryRow("SELECT published FROM polls WHERE id = $1", pollId).Scan(&published)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrPollNotFound
		}
		return 0, err
	}

	if !published {
		err = ErrPollNotPublished
		return 0, err
	}

	var optId int
	err = tx.QueryRow(
		"SELECT id FROM poll_options WHERE id = $1 AND poll_id = $2",
		optionId,
		pollId,
	).Scan(&optId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrOptionNotFound
		}
		return 0, err
	}

	// xmax = 0 distinguishes a fresh insert from a conflict-update. The
	// WHERE clause makes the same-option case update nothing, which
	// surfaces as ErrNoRows.
	var inserted bool
	err = tx.QueryRow(
		"INSERT INTO votes (account_id, poll_id, option_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (account_id, poll_id) DO UPDATE "+
			"SET option_id = EXCLUDED.option_id, updated_at = EXCLUDED.updated_at "+
			"WHERE votes.option_id IS DISTINCT FROM EXCLUDED.option_id "+
			"RETURNING (xmax = 0)",
		accountId,
		pollId,
		optionId,
		time.Now().UTC(),
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrDuplicateVote
		}
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit vote: %w", err)
	}

	if inserted {
		return VoteCreated, nil
	}
	return VoteMoved, nil
}

// GetPollTally returns per-option vote counts and the total for a poll.
// Options with no votes are included with a zero count.
func (db *PgPollRepository) GetPollTally(pollId int) ([]OptionCount, int, error) {
	rows, err := db.conn.Query(
		"SELECT o.id, o.text, COUNT(v.id) FROM poll_options o "+
			"LEFT JOIN votes v ON v.option_id = o.id "+
			"WHERE o.poll_id = $1 GROUP BY o.id, o.text ORDER BY o.id",
		pollId,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		counts []OptionCount
		total  int
	)
	for rows.Next() {
		var oc OptionCount
		if err = rows.Scan(&oc.OptionId, &oc.Text, &oc.Count); err != nil {
			return nil, 0, err
		}

		counts = append(counts, oc)
		total += oc.Count
	}

	return counts, total, rows.Err()
}
