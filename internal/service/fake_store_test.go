package service

import (
	"context"
	"sort"
	"time"

	"contactgraph/internal/models"
	"contactgraph/internal/store"
)

// memStore is an in-memory ContactStore. Unlike the SQL store it accepts any
// link shape, which lets tests build corrupted clusters.
type memStore struct {
	contacts map[int64]*models.Contact
	writes   int
	failOn   string
	err      error
}

func newMemStore() *memStore {
	return &memStore{contacts: make(map[int64]*models.Contact)}
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// put stores a contact created `age` seconds after baseTime.
func (m *memStore) put(id int64, email, phone string, linkedID int64, age int) *models.Contact {
	c := &models.Contact{ID: id, LinkPrecedence: models.LinkPrimary, CreatedAt: baseTime.Add(time.Duration(age) * time.Second)}
	if email != "" {
		c.Email = &email
	}
	if phone != "" {
		c.PhoneNumber = &phone
	}
	if linkedID != 0 {
		c.LinkedID = &linkedID
		c.LinkPrecedence = models.LinkSecondary
	}
	c.UpdatedAt = c.CreatedAt
	m.contacts[id] = c
	return clone(c)
}

func (m *memStore) get(id int64) *models.Contact {
	return m.contacts[id]
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return m.err
	}
	return nil
}

func (m *memStore) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	if err := m.fail("find"); err != nil {
		return nil, err
	}
	var out []*models.Contact
	for _, c := range m.sorted() {
		if (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone) {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (m *memStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	if err := m.fail("find"); err != nil {
		return nil, err
	}
	c, ok := m.contacts[id]
	if !ok {
		return nil, nil
	}
	return clone(c), nil
}

func (m *memStore) FindByLinkedID(ctx context.Context, linkedID int64) ([]*models.Contact, error) {
	if err := m.fail("find"); err != nil {
		return nil, err
	}
	var out []*models.Contact
	for _, c := range m.sorted() {
		if c.LinkedID != nil && *c.LinkedID == linkedID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (m *memStore) Insert(ctx context.Context, c *models.Contact) error {
	if err := m.fail("insert"); err != nil {
		return err
	}
	m.writes++
	var maxID int64
	for id := range m.contacts {
		if id > maxID {
			maxID = id
		}
	}
	c.ID = maxID + 1
	c.CreatedAt = baseTime.Add(time.Duration(c.ID) * time.Hour)
	c.UpdatedAt = c.CreatedAt
	m.contacts[c.ID] = clone(c)
	return nil
}

func (m *memStore) Update(ctx context.Context, id int64, u models.ContactUpdate) error {
	if err := m.fail("update"); err != nil {
		return err
	}
	c, ok := m.contacts[id]
	if !ok {
		return store.ErrNotFound
	}
	m.writes++
	c.LinkPrecedence = u.LinkPrecedence
	if u.LinkedID != nil {
		link := *u.LinkedID
		c.LinkedID = &link
	} else {
		c.LinkedID = nil
	}
	return nil
}

func (m *memStore) sorted() []*models.Contact {
	out := make([]*models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OlderThan(out[j]) })
	return out
}

func clone(c *models.Contact) *models.Contact {
	cp := *c
	if c.LinkedID != nil {
		link := *c.LinkedID
		cp.LinkedID = &link
	}
	return &cp
}

// memTx runs every unit of work directly against one memStore and records the
// lock keys it was asked to hold.
type memTx struct {
	store *memStore
	calls int
	locks [][]string
	// before runs ahead of each unit of work.
	before func(call int)
}

func (t *memTx) WithinTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, st store.ContactStore) error) error {
	t.calls++
	t.locks = append(t.locks, lockKeys)
	if t.before != nil {
		t.before(t.calls)
	}
	return fn(ctx, t.store)
}
