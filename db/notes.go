package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const noteColumns = `id, user_id, user_host, uri, url, message, content_warning, name, visibility,
	visible_user_ids, mentioned_user_ids, hashtags, emojis, attachments, reference_ids,
	reply_id, renote_id, sensitive, poll, created_at, updated_at, deleted_at`

const (
	sqlInsertNote = `INSERT INTO notes(` + noteColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateNoteContent = `UPDATE notes SET message = ?, content_warning = ?, name = ?, sensitive = ?, poll = ?,
		updated_at = ? WHERE id = ?`
	sqlUpdateNotePoll      = `UPDATE notes SET poll = ? WHERE id = ?`
	sqlDeleteNote          = `UPDATE notes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
	sqlSelectNoteById      = `SELECT ` + noteColumns + ` FROM notes WHERE id = ?`
	sqlSelectNoteByURI     = `SELECT ` + noteColumns + ` FROM notes WHERE uri = ?`
	sqlSelectRenoteByUser  = `SELECT ` + noteColumns + ` FROM notes WHERE user_id = ? AND renote_id = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT 1`
	sqlSelectNotesByUserId = `SELECT ` + noteColumns + ` FROM notes WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ?`
	sqlCountNotesByUserId  = `SELECT COUNT(*) FROM notes WHERE user_id = ? AND deleted_at IS NULL`
)

func scanNote(row rowScanner) (*domain.Note, error) {
	var note domain.Note
	var uri, url, cw, name, poll sql.NullString
	var visibleIds, mentionIds, hashtags, emojis, attachments, referenceIds string
	var replyId, renoteId uuid.NullUUID
	var updated, deleted sql.NullTime
	var visibility string
	err := row.Scan(
		&note.Id, &note.UserId, &note.UserHost, &uri, &url, &note.Message, &cw, &name, &visibility,
		&visibleIds, &mentionIds, &hashtags, &emojis, &attachments, &referenceIds,
		&replyId, &renoteId, &note.Sensitive, &poll, &note.CreatedAt, &updated, &deleted,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	note.URI, note.URL, note.ContentWarning, note.Name = uri.String, url.String, cw.String, name.String
	note.Visibility = domain.Visibility(visibility)
	note.UpdatedAt = timePtr(updated)
	note.DeletedAt = timePtr(deleted)
	if replyId.Valid {
		note.ReplyId = &replyId.UUID
	}
	if renoteId.Valid {
		note.RenoteId = &renoteId.UUID
	}

	lists := []struct {
		col string
		dst any
	}{
		{visibleIds, &note.VisibleUserIds},
		{mentionIds, &note.MentionedUserIds},
		{hashtags, &note.Hashtags},
		{emojis, &note.Emojis},
		{attachments, &note.Attachments},
		{referenceIds, &note.ReferenceIds},
	}
	for _, l := range lists {
		if err := fromJSON(l.col, l.dst); err != nil {
			return nil, fmt.Errorf("failed to decode note %s list column: %w", note.Id, err)
		}
	}
	if poll.Valid && poll.String != "" {
		note.Poll = &domain.Poll{}
		if err := json.Unmarshal([]byte(poll.String), note.Poll); err != nil {
			return nil, fmt.Errorf("failed to decode note %s poll: %w", note.Id, err)
		}
	}
	return &note, nil
}

func encodePoll(p *domain.Poll) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// CreateNote inserts a note. A second note with the same URI fails with ErrDuplicate.
func (db *DB) CreateNote(ctx context.Context, note *domain.Note) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	if note.Visibility == "" {
		note.Visibility = domain.VisibilityPublic
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertNote,
			note.Id, note.UserId, note.UserHost, nullString(note.URI), nullString(note.URL),
			note.Message, nullString(note.ContentWarning), nullString(note.Name), string(note.Visibility),
			toJSON(note.VisibleUserIds), toJSON(note.MentionedUserIds), toJSON(note.Hashtags),
			toJSON(note.Emojis), toJSON(note.Attachments), toJSON(note.ReferenceIds),
			nullUUID(note.ReplyId), nullUUID(note.RenoteId), note.Sensitive, encodePoll(note.Poll),
			note.CreatedAt, nullTime(note.UpdatedAt), nullTime(note.DeletedAt),
		)
		return err
	})
}

// UpdateNoteContent replaces the editable parts of a note.
func (db *DB) UpdateNoteContent(ctx context.Context, note *domain.Note) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlUpdateNoteContent,
			note.Message, nullString(note.ContentWarning), nullString(note.Name), note.Sensitive,
			encodePoll(note.Poll), nullTime(note.UpdatedAt), note.Id,
		)
		return err
	})
}

func (db *DB) UpdateNotePoll(ctx context.Context, noteId uuid.UUID, poll *domain.Poll) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlUpdateNotePoll, encodePoll(poll), noteId)
		return err
	})
}

// DeleteNote tombstones a note. It reports false when the note was already deleted or missing.
func (db *DB) DeleteNote(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var affected int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := db.exec(ctx, tx, sqlDeleteNote, at, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

func (db *DB) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.queryRow(ctx, sqlSelectNoteById, id))
}

func (db *DB) ReadNoteByURI(ctx context.Context, uri string) (*domain.Note, error) {
	return scanNote(db.queryRow(ctx, sqlSelectNoteByURI, uri))
}

// ReadRenote returns the live renote of targetId made by userId, if any.
func (db *DB) ReadRenote(ctx context.Context, userId, targetId uuid.UUID) (*domain.Note, error) {
	return scanNote(db.queryRow(ctx, sqlSelectRenoteByUser, userId, targetId))
}

func (db *DB) ReadNotesByUserId(ctx context.Context, userId uuid.UUID, limit int) ([]domain.Note, error) {
	rows, err := db.query(ctx, sqlSelectNotesByUserId, userId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return notes, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

func (db *DB) CountNotesByUserId(ctx context.Context, userId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountNotesByUserId, userId).Scan(&n)
	return n, err
}
