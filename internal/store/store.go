package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"contactgraph/internal/database"
	"contactgraph/internal/models"
)

// ErrNotFound is returned by Update when the target contact does not exist.
var ErrNotFound = errors.New("contact not found")

// ContactStore is the persistence boundary of the reconciler. Every method is
// expected to run inside the caller's transaction.
type ContactStore interface {
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error)
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	FindByLinkedID(ctx context.Context, linkedID int64) ([]*models.Contact, error)
	Insert(ctx context.Context, c *models.Contact) error
	Update(ctx context.Context, id int64, u models.ContactUpdate) error
}

// Clock supplies store-assigned timestamps.
type Clock func() time.Time

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore implements ContactStore over database/sql.
type SQLStore struct {
	q      querier
	driver string
	now    Clock
}

// New binds a store to q, usually an open *sql.Tx.
func New(q querier, driver string, now Clock) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{q: q, driver: driver, now: now}
}

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// FindByEmailOrPhone returns live contacts matching either value. A nil value
// never matches.
func (s *SQLStore) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	if email == nil && phone == nil {
		return nil, nil
	}
	query := `SELECT ` + contactColumns + `
			  FROM contacts
			  WHERE deleted_at IS NULL AND (email = $1 OR phone_number = $2)
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, email, phone)
	if err != nil {
		return nil, errors.Wrap(err, "query contacts by email or phone")
	}
	return contacts, nil
}

// FindByID returns nil when no live contact has the id.
func (s *SQLStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + `
			  FROM contacts WHERE id = $1 AND deleted_at IS NULL`
	contacts, err := s.queryContacts(ctx, query, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query contact %d", id)
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return contacts[0], nil
}

// FindByLinkedID returns the contacts pointing at linkedID, oldest first.
func (s *SQLStore) FindByLinkedID(ctx context.Context, linkedID int64) ([]*models.Contact, error) {
	query := `SELECT ` + contactColumns + `
			  FROM contacts
			  WHERE linked_id = $1 AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, linkedID)
	if err != nil {
		return nil, errors.Wrapf(err, "query contacts linked to %d", linkedID)
	}
	return contacts, nil
}

// Insert persists c and fills in its id and timestamps.
func (s *SQLStore) Insert(ctx context.Context, c *models.Contact) error {
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	now := s.timestamp()
	var id int64
	err := s.q.QueryRowContext(ctx, query, c.PhoneNumber, c.Email, c.LinkedID, string(c.LinkPrecedence), now, now).Scan(&id)
	if err != nil {
		return errors.Wrap(err, "insert contact")
	}

	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// Update sets the link fields of a contact unconditionally.
func (s *SQLStore) Update(ctx context.Context, id int64, u models.ContactUpdate) error {
	query := `UPDATE contacts SET link_precedence = $1, linked_id = $2, updated_at = $3 WHERE id = $4`
	res, err := s.q.ExecContext(ctx, query, string(u.LinkPrecedence), u.LinkedID, s.timestamp(), id)
	if err != nil {
		return errors.Wrapf(err, "update contact %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update contact %d rows affected", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "update contact %d", id)
	}
	return nil
}

func (s *SQLStore) timestamp() time.Time {
	// Postgres keeps microseconds; truncating keeps the in-memory copy equal
	// to what a later read returns.
	return s.now().UTC().Truncate(time.Microsecond)
}

// queryContacts executes a query and returns contacts
func (s *SQLStore) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c := &models.Contact{}
		var phone, email, precedence sql.NullString
		var linkedID sql.NullInt64
		var deletedAt sql.NullTime

		err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, err
		}

		if phone.Valid {
			c.PhoneNumber = &phone.String
		}
		if email.Valid {
			c.Email = &email.String
		}
		if linkedID.Valid {
			c.LinkedID = &linkedID.Int64
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}
		c.LinkPrecedence = models.LinkPrecedence(precedence.String)

		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// TxRunner opens a transaction per unit of work and hands the callback a store
// bound to it.
type TxRunner struct {
	db  *database.DB
	now Clock
}

// NewTxRunner creates a runner over db. A nil now defaults to time.Now.
func NewTxRunner(db *database.DB, now Clock) *TxRunner {
	return &TxRunner{db: db, now: now}
}

// WithinTx runs fn in one transaction while holding advisory locks on
// lockKeys. fn may be invoked again if the transaction is retried, so it must
// not keep state across calls.
func (r *TxRunner) WithinTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, s ContactStore) error) error {
	return r.db.RunLockedTx(ctx, lockKeys, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, New(tx, r.db.Driver(), r.now))
	})
}
