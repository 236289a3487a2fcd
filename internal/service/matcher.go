package service

import (
	"context"
	"fmt"

	"contactgraph/internal/models"
	"contactgraph/internal/store"
)

// Matcher finds the contacts that share an email or phone number with an
// observation. Matching is exact string equality.
type Matcher struct{}

// Match returns every live contact whose email equals email or whose phone
// number equals phone, de-duplicated by id.
func (Matcher) Match(ctx context.Context, st store.ContactStore, email, phone *string) ([]*models.Contact, error) {
	if email == nil && phone == nil {
		return nil, ErrInvalidRequest
	}

	found, err := st.FindByEmailOrPhone(ctx, email, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to find matching contacts: %w", err)
	}

	seen := make(map[int64]bool, len(found))
	matches := make([]*models.Contact, 0, len(found))
	for _, c := range found {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		matches = append(matches, c)
	}
	return matches, nil
}
