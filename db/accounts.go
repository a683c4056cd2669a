package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const accountColumns = `id, username, host, uri, url, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, featured_uri,
	public_key_pem, private_key_pem, key_id, display_name, summary, avatar_url, canonical_host,
	is_bot, is_locked, is_suspended, is_silenced, is_deleted, last_fetched_at, created_at, updated_at`

const (
	sqlInsertAccount = `INSERT INTO accounts(` + accountColumns + `, username_lower)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateAccount = `UPDATE accounts SET uri = ?, url = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?,
		followers_uri = ?, featured_uri = ?, public_key_pem = ?, key_id = ?, display_name = ?, summary = ?, avatar_url = ?,
		canonical_host = ?, is_bot = ?, is_locked = ?, is_suspended = ?, is_silenced = ?, is_deleted = ?,
		last_fetched_at = ?, updated_at = ? WHERE id = ?`
	sqlTouchAccountFetchedAt       = `UPDATE accounts SET last_fetched_at = ? WHERE id = ?`
	sqlUpdateAccountCanonicalHost  = `UPDATE accounts SET canonical_host = ? WHERE id = ?`
	sqlSelectAccountById           = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectAccountByURI          = `SELECT ` + accountColumns + ` FROM accounts WHERE uri = ?`
	sqlSelectAccountByKeyId        = `SELECT ` + accountColumns + ` FROM accounts WHERE key_id = ?`
	sqlSelectAccountByUsernameHost = `SELECT ` + accountColumns + ` FROM accounts WHERE username_lower = ? AND host = ?`
	sqlSelectAccountByCanonical    = `SELECT ` + accountColumns + ` FROM accounts WHERE username_lower = ? AND canonical_host = ?`
	sqlSelectLocalAccounts         = `SELECT ` + accountColumns + ` FROM accounts WHERE host = '' AND is_deleted = FALSE ORDER BY created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var uri, url, inbox, sharedInbox, outbox, followers, featured sql.NullString
	var pub, priv, keyId, displayName, summary, avatar, canonical sql.NullString
	var lastFetched, updated sql.NullTime
	err := row.Scan(
		&acc.Id, &acc.Username, &acc.Host, &uri, &url, &inbox, &sharedInbox, &outbox, &followers, &featured,
		&pub, &priv, &keyId, &displayName, &summary, &avatar, &canonical,
		&acc.IsBot, &acc.IsLocked, &acc.IsSuspended, &acc.IsSilenced, &acc.IsDeleted,
		&lastFetched, &acc.CreatedAt, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acc.URI, acc.URL, acc.InboxURI, acc.SharedInboxURI = uri.String, url.String, inbox.String, sharedInbox.String
	acc.OutboxURI, acc.FollowersURI, acc.FeaturedURI = outbox.String, followers.String, featured.String
	acc.PublicKeyPem, acc.PrivateKeyPem, acc.KeyId = pub.String, priv.String, keyId.String
	acc.DisplayName, acc.Summary, acc.AvatarURL, acc.CanonicalHost = displayName.String, summary.String, avatar.String, canonical.String
	acc.LastFetchedAt = timePtr(lastFetched)
	acc.UpdatedAt = timePtr(updated)
	return &acc, nil
}

// CreateAccount inserts a local or remote account. Id and CreatedAt are filled in when zero.
func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertAccount,
			acc.Id, acc.Username, acc.Host, nullString(acc.URI), nullString(acc.URL),
			nullString(acc.InboxURI), nullString(acc.SharedInboxURI), nullString(acc.OutboxURI),
			nullString(acc.FollowersURI), nullString(acc.FeaturedURI),
			nullString(acc.PublicKeyPem), nullString(acc.PrivateKeyPem), nullString(acc.KeyId),
			nullString(acc.DisplayName), nullString(acc.Summary), nullString(acc.AvatarURL), nullString(acc.CanonicalHost),
			acc.IsBot, acc.IsLocked, acc.IsSuspended, acc.IsSilenced, acc.IsDeleted,
			nullTime(acc.LastFetchedAt), acc.CreatedAt, nullTime(acc.UpdatedAt),
			strings.ToLower(acc.Username),
		)
		return err
	})
}

// UpdateAccount rewrites the mutable profile columns. Username and host never change.
func (db *DB) UpdateAccount(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlUpdateAccount,
			nullString(acc.URI), nullString(acc.URL), nullString(acc.InboxURI), nullString(acc.SharedInboxURI),
			nullString(acc.OutboxURI), nullString(acc.FollowersURI), nullString(acc.FeaturedURI),
			nullString(acc.PublicKeyPem), nullString(acc.KeyId), nullString(acc.DisplayName), nullString(acc.Summary),
			nullString(acc.AvatarURL), nullString(acc.CanonicalHost),
			acc.IsBot, acc.IsLocked, acc.IsSuspended, acc.IsSilenced, acc.IsDeleted,
			nullTime(acc.LastFetchedAt), nullTime(acc.UpdatedAt), acc.Id,
		)
		return err
	})
}

func (db *DB) TouchAccountFetchedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlTouchAccountFetchedAt, at, id)
		return err
	})
}

func (db *DB) UpdateAccountCanonicalHost(ctx context.Context, id uuid.UUID, host string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlUpdateAccountCanonicalHost, nullString(host), id)
		return err
	})
}

func (db *DB) ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.queryRow(ctx, sqlSelectAccountById, id))
}

func (db *DB) ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error) {
	return scanAccount(db.queryRow(ctx, sqlSelectAccountByURI, uri))
}

func (db *DB) ReadAccountByKeyId(ctx context.Context, keyId string) (*domain.Account, error) {
	return scanAccount(db.queryRow(ctx, sqlSelectAccountByKeyId, keyId))
}

// ReadAccountByUsername looks up an account by case-insensitive username. host "" selects local accounts.
func (db *DB) ReadAccountByUsername(ctx context.Context, username, host string) (*domain.Account, error) {
	return scanAccount(db.queryRow(ctx, sqlSelectAccountByUsernameHost, strings.ToLower(username), host))
}

func (db *DB) ReadAccountByCanonicalHost(ctx context.Context, username, canonicalHost string) (*domain.Account, error) {
	return scanAccount(db.queryRow(ctx, sqlSelectAccountByCanonical, strings.ToLower(username), canonicalHost))
}

func (db *DB) ReadLocalAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.query(ctx, sqlSelectLocalAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]domain.Account, error) {
	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}
