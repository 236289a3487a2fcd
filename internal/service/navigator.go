package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"contactgraph/internal/models"
	"contactgraph/internal/store"
)

// maxLinkDepth bounds the linkedId walk. Clusters are flat, so a healthy walk
// takes at most one hop.
const maxLinkDepth = 10

// Navigator walks linkedId references and loads whole clusters.
type Navigator struct {
	log logrus.FieldLogger
}

// NewNavigator creates a navigator that logs broken link chains to log.
func NewNavigator(log logrus.FieldLogger) *Navigator {
	return &Navigator{log: log}
}

// Walk follows linkedId from c until it reaches a contact with no parent. On a
// dangling reference it returns the last contact reached; on a cycle or a chain
// longer than maxLinkDepth it returns the oldest contact visited. Either way the
// error wraps ErrDataIntegrity. Store failures are returned with a nil contact.
func (n *Navigator) Walk(ctx context.Context, st store.ContactStore, c *models.Contact) (*models.Contact, error) {
	current, oldest := c, c
	seen := map[int64]bool{c.ID: true}

	for hops := 0; current.LinkedID != nil; hops++ {
		if hops >= maxLinkDepth {
			return oldest, fmt.Errorf("%w: link chain from contact %d exceeds %d hops", ErrDataIntegrity, c.ID, maxLinkDepth)
		}

		parentID := *current.LinkedID
		parent, err := st.FindByID(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load contact %d: %w", parentID, err)
		}
		if parent == nil {
			return current, fmt.Errorf("%w: contact %d links to missing contact %d", ErrDataIntegrity, current.ID, parentID)
		}
		if seen[parent.ID] {
			return oldest, fmt.Errorf("%w: link cycle through contact %d", ErrDataIntegrity, parent.ID)
		}

		seen[parent.ID] = true
		current = parent
		if current.OlderThan(oldest) {
			oldest = current
		}
	}
	return current, nil
}

// ResolvePrimary returns the primary of c's cluster. Broken chains are logged
// and resolved to the contact Walk falls back to; only store failures are
// returned.
func (n *Navigator) ResolvePrimary(ctx context.Context, st store.ContactStore, c *models.Contact) (*models.Contact, error) {
	primary, err := n.Walk(ctx, st, c)
	if err != nil {
		if primary == nil {
			return nil, err
		}
		n.log.WithError(err).WithFields(logrus.Fields{
			"contact_id":  c.ID,
			"resolved_id": primary.ID,
		}).Warn("broken link chain, using fallback contact")
	}
	return primary, nil
}

// DistinctPrimaries resolves every contact and returns the distinct primaries
// in first-seen order.
func (n *Navigator) DistinctPrimaries(ctx context.Context, st store.ContactStore, contacts []*models.Contact) ([]*models.Contact, error) {
	seen := make(map[int64]bool)
	var primaries []*models.Contact
	for _, c := range contacts {
		p, err := n.ResolvePrimary(ctx, st, c)
		if err != nil {
			return nil, err
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		primaries = append(primaries, p)
	}
	return primaries, nil
}

// LoadCluster returns the primary (when it still exists) followed by every
// contact linked to it, ordered by createdAt then id.
func (n *Navigator) LoadCluster(ctx context.Context, st store.ContactStore, primaryID int64) ([]*models.Contact, error) {
	primary, err := st.FindByID(ctx, primaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary %d: %w", primaryID, err)
	}
	linked, err := st.FindByLinkedID(ctx, primaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts linked to %d: %w", primaryID, err)
	}

	secondaries := make([]*models.Contact, 0, len(linked))
	for _, c := range linked {
		if c.ID == primaryID {
			continue
		}
		secondaries = append(secondaries, c)
	}
	sort.SliceStable(secondaries, func(i, j int) bool {
		return secondaries[i].OlderThan(secondaries[j])
	})

	cluster := make([]*models.Contact, 0, len(secondaries)+1)
	if primary != nil {
		cluster = append(cluster, primary)
	}
	return append(cluster, secondaries...), nil
}
