package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Follow relationships
const (
	sqlInsertFollow           = `INSERT INTO follows(id, account_id, target_account_id, uri, created_at, accepted) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollow           = `SELECT id, account_id, target_account_id, uri, created_at, accepted FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowByURI      = `SELECT id, account_id, target_account_id, uri, created_at, accepted FROM follows WHERE uri = ?`
	sqlAcceptFollow           = `UPDATE follows SET accepted = TRUE WHERE id = ?`
	sqlDeleteFollow           = `DELETE FROM follows WHERE id = ?`
	sqlSelectFollowerAccounts = `SELECT ` + accountColumnsPrefixed + ` FROM follows
		INNER JOIN accounts a ON a.id = follows.account_id
		WHERE follows.target_account_id = ? AND follows.accepted = TRUE AND a.is_deleted = FALSE
		ORDER BY follows.created_at`
	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = TRUE`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = TRUE`
)

const accountColumnsPrefixed = `a.id, a.username, a.host, a.uri, a.url, a.inbox_uri, a.shared_inbox_uri, a.outbox_uri,
	a.followers_uri, a.featured_uri, a.public_key_pem, a.private_key_pem, a.key_id, a.display_name, a.summary,
	a.avatar_url, a.canonical_host, a.is_bot, a.is_locked, a.is_suspended, a.is_silenced, a.is_deleted,
	a.last_fetched_at, a.created_at, a.updated_at`

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var uri sql.NullString
	err := row.Scan(&f.Id, &f.AccountId, &f.TargetAccountId, &uri, &f.CreatedAt, &f.Accepted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.URI = uri.String
	return &f, nil
}

func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertFollow,
			follow.Id, follow.AccountId, follow.TargetAccountId, nullString(follow.URI), follow.CreatedAt, follow.Accepted)
		return err
	})
}

// ReadFollow returns the follow (or pending request) from follower to followee.
func (db *DB) ReadFollow(ctx context.Context, followerId, followeeId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.queryRow(ctx, sqlSelectFollow, followerId, followeeId))
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.queryRow(ctx, sqlSelectFollowByURI, uri))
}

func (db *DB) AcceptFollow(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlAcceptFollow, id)
		return err
	})
}

func (db *DB) DeleteFollow(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlDeleteFollow, id)
		return err
	})
}

// ReadFollowers returns the accounts with an accepted follow of accountId.
func (db *DB) ReadFollowers(ctx context.Context, accountId uuid.UUID) ([]domain.Account, error) {
	rows, err := db.query(ctx, sqlSelectFollowerAccounts, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (db *DB) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountFollowers, accountId).Scan(&n)
	return n, err
}

func (db *DB) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountFollowing, accountId).Scan(&n)
	return n, err
}

// Reactions
const (
	sqlInsertReaction       = `INSERT INTO reactions(id, account_id, note_id, reaction, uri, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectReaction       = `SELECT id, account_id, note_id, reaction, uri, created_at FROM reactions WHERE account_id = ? AND note_id = ?`
	sqlSelectReactionByURI  = `SELECT id, account_id, note_id, reaction, uri, created_at FROM reactions WHERE uri = ?`
	sqlDeleteReaction       = `DELETE FROM reactions WHERE id = ?`
	sqlCountReactionsByNote = `SELECT COUNT(*) FROM reactions WHERE note_id = ?`
)

func scanReaction(row rowScanner) (*domain.Reaction, error) {
	var r domain.Reaction
	var uri sql.NullString
	err := row.Scan(&r.Id, &r.AccountId, &r.NoteId, &r.Reaction, &uri, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.URI = uri.String
	return &r, nil
}

func (db *DB) CreateReaction(ctx context.Context, r *domain.Reaction) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertReaction, r.Id, r.AccountId, r.NoteId, r.Reaction, nullString(r.URI), r.CreatedAt)
		return err
	})
}

func (db *DB) ReadReaction(ctx context.Context, accountId, noteId uuid.UUID) (*domain.Reaction, error) {
	return scanReaction(db.queryRow(ctx, sqlSelectReaction, accountId, noteId))
}

func (db *DB) ReadReactionByURI(ctx context.Context, uri string) (*domain.Reaction, error) {
	return scanReaction(db.queryRow(ctx, sqlSelectReactionByURI, uri))
}

func (db *DB) DeleteReaction(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlDeleteReaction, id)
		return err
	})
}

func (db *DB) CountReactions(ctx context.Context, noteId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountReactionsByNote, noteId).Scan(&n)
	return n, err
}

// Poll votes
const (
	sqlInsertPollVote  = `INSERT INTO poll_votes(id, note_id, account_id, choice, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectPollVotes = `SELECT id, note_id, account_id, choice, created_at FROM poll_votes WHERE note_id = ? AND account_id = ?`
)

func (db *DB) CreatePollVote(ctx context.Context, v *domain.PollVote) error {
	if v.Id == uuid.Nil {
		v.Id = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertPollVote, v.Id, v.NoteId, v.AccountId, v.Choice, v.CreatedAt)
		return err
	})
}

func (db *DB) ReadPollVotes(ctx context.Context, noteId, accountId uuid.UUID) ([]domain.PollVote, error) {
	rows, err := db.query(ctx, sqlSelectPollVotes, noteId, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []domain.PollVote
	for rows.Next() {
		var v domain.PollVote
		if err := rows.Scan(&v.Id, &v.NoteId, &v.AccountId, &v.Choice, &v.CreatedAt); err != nil {
			return votes, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// Custom emojis
const (
	sqlInsertEmoji = `INSERT INTO emojis(id, name, host, uri, url, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlUpdateEmoji = `UPDATE emojis SET uri = ?, url = ?, updated_at = ? WHERE id = ?`
	sqlSelectEmoji = `SELECT id, name, host, uri, url, updated_at FROM emojis WHERE host = ? AND name = ?`
)

func (db *DB) ReadEmoji(ctx context.Context, host, name string) (*domain.Emoji, error) {
	var e domain.Emoji
	var uri sql.NullString
	var updated sql.NullTime
	err := db.queryRow(ctx, sqlSelectEmoji, host, name).Scan(&e.Id, &e.Name, &e.Host, &uri, &e.URL, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.URI = uri.String
	e.UpdatedAt = timePtr(updated)
	return &e, nil
}

func (db *DB) CreateEmoji(ctx context.Context, e *domain.Emoji) error {
	if e.Id == uuid.Nil {
		e.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertEmoji, e.Id, e.Name, e.Host, nullString(e.URI), e.URL, nullTime(e.UpdatedAt))
		return err
	})
}

func (db *DB) UpdateEmoji(ctx context.Context, e *domain.Emoji) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlUpdateEmoji, nullString(e.URI), e.URL, nullTime(e.UpdatedAt), e.Id)
		return err
	})
}
