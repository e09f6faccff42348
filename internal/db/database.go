package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a document does not exist or the user may
// not perform the requested operation on it.
var ErrNotFound = errors.New("document not found")

// ErrInvalidPermission is returned for a share permission outside the
// known set.
var ErrInvalidPermission = errors.New("invalid permission")

// ErrOwnerOnly is returned when a user who may edit a document attempts a
// change reserved to its owner.
var ErrOwnerOnly = errors.New("only the owner may do this")

const defaultTitle = "Untitled"

type Permission string

const (
	PermissionView  Permission = "VIEW"
	PermissionEdit  Permission = "EDIT"
	PermissionAdmin Permission = "ADMIN"
)

func (p Permission) Valid() bool {
	switch p {
	case PermissionView, PermissionEdit, PermissionAdmin:
		return true
	}
	return false
}

type Database struct {
	db *sql.DB
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	OwnerID   string    `json:"ownerId"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Share struct {
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
}

// DocumentUpdate carries the fields of a partial update. Nil fields are
// left unchanged.
type DocumentUpdate struct {
	Title    *string
	Content  *string
	IsPublic *bool
}

func New(dbPath string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL for concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	logger.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'Untitled',
		content TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_owner_id ON documents(owner_id);

	CREATE TABLE IF NOT EXISTS document_shares (
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		permission TEXT NOT NULL DEFAULT 'VIEW',
		PRIMARY KEY (document_id, user_id),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_shares_user_id ON document_shares(user_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

const documentColumns = "d.id, d.title, d.content, d.owner_id, d.is_public, d.created_at, d.updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.OwnerID, &doc.IsPublic, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// CreateDocument stores a new empty document owned by ownerID. An empty
// title becomes "Untitled".
func (d *Database) CreateDocument(ownerID, title string) (*Document, error) {
	if title == "" {
		title = defaultTitle
	}

	id := uuid.NewString()
	_, err := d.db.Exec(
		"INSERT INTO documents (id, title, owner_id) VALUES (?, ?, ?)",
		id, title, ownerID,
	)
	if err != nil {
		return nil, err
	}

	return d.getDocument(id)
}

func (d *Database) getDocument(id string) (*Document, error) {
	row := d.db.QueryRow("SELECT "+documentColumns+" FROM documents d WHERE d.id = ?", id)
	return scanDocument(row)
}

// GetDocument returns the document if userID owns it, has a share on it,
// or it is public.
func (d *Database) GetDocument(id, userID string) (*Document, error) {
	row := d.db.QueryRow(`
		SELECT `+documentColumns+`
		FROM documents d
		WHERE d.id = ? AND (
			d.owner_id = ?
			OR d.is_public = TRUE
			OR EXISTS (SELECT 1 FROM document_shares s WHERE s.document_id = d.id AND s.user_id = ?)
		)
	`, id, userID, userID)
	return scanDocument(row)
}

// ListDocuments returns the documents userID owns or has a share on,
// most recently updated first.
func (d *Database) ListDocuments(userID string) ([]Document, error) {
	rows, err := d.db.Query(`
		SELECT `+documentColumns+`
		FROM documents d
		WHERE d.owner_id = ?
			OR EXISTS (SELECT 1 FROM document_shares s WHERE s.document_id = d.id AND s.user_id = ?)
		ORDER BY d.updated_at DESC, d.rowid DESC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	documents := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		documents = append(documents, *doc)
	}
	return documents, rows.Err()
}

// editAccess reports whether userID owns the document and whether they may
// edit it at all.
func (d *Database) editAccess(id, userID string) (owner, editor bool, err error) {
	err = d.db.QueryRow(`
		SELECT
			d.owner_id = ?,
			d.owner_id = ? OR EXISTS (
				SELECT 1 FROM document_shares s
				WHERE s.document_id = d.id AND s.user_id = ? AND s.permission IN ('EDIT', 'ADMIN')
			)
		FROM documents d
		WHERE d.id = ?
	`, userID, userID, userID, id).Scan(&owner, &editor)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	return owner, editor, err
}

// UpdateDocument applies update if userID owns the document or holds an
// EDIT or ADMIN share. Visibility is the owner's to change.
func (d *Database) UpdateDocument(id, userID string, update DocumentUpdate) (*Document, error) {
	owner, editor, err := d.editAccess(id, userID)
	if err != nil {
		return nil, err
	}
	if !editor {
		return nil, ErrNotFound
	}
	if update.IsPublic != nil && !owner {
		return nil, ErrOwnerOnly
	}

	_, err = d.db.Exec(`
		UPDATE documents SET
			title = COALESCE(?, title),
			content = COALESCE(?, content),
			is_public = COALESCE(?, is_public),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullString(update.Title), nullString(update.Content), nullBool(update.IsPublic), id)
	if err != nil {
		return nil, err
	}

	return d.getDocument(id)
}

// DeleteDocument removes the document and its shares. Only the owner may
// delete.
func (d *Database) DeleteDocument(id, userID string) error {
	result, err := d.db.Exec("DELETE FROM documents WHERE id = ? AND owner_id = ?", id, userID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ShareDocument grants userID access to a document owned by ownerID,
// replacing any existing share for that user.
func (d *Database) ShareDocument(id, ownerID, userID string, permission Permission) (*Share, error) {
	if !permission.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, permission)
	}

	var count int
	if err := d.db.QueryRow(
		"SELECT COUNT(*) FROM documents WHERE id = ? AND owner_id = ?",
		id, ownerID,
	).Scan(&count); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	_, err := d.db.Exec(`
		INSERT INTO document_shares (document_id, user_id, permission)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id, user_id) DO UPDATE SET permission = excluded.permission
	`, id, userID, string(permission))
	if err != nil {
		return nil, err
	}

	return &Share{DocumentID: id, UserID: userID, Permission: permission}, nil
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var documentCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&documentCount); err != nil {
		return nil, err
	}
	stats["document_count"] = documentCount

	var shareCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM document_shares").Scan(&shareCount); err != nil {
		return nil, err
	}
	stats["share_count"] = shareCount

	return stats, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
