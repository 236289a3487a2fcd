package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"contactgraph/internal/models"
	"contactgraph/internal/store"
)

// MergeResult describes how a set of primaries was collapsed into one cluster.
type MergeResult struct {
	Survivor *models.Contact
	// Absorbed are the former primaries, now secondaries of Survivor.
	Absorbed []*models.Contact
	// Reparented are ids of secondaries moved from an absorbed primary.
	Reparented []int64
	// Repaired is set when Survivor had a dangling link and was promoted.
	Repaired bool
}

// MergeEngine picks the oldest primary and folds the others into it.
type MergeEngine struct {
	log logrus.FieldLogger
}

// NewMergeEngine creates a merge engine that logs demotions to log.
func NewMergeEngine(log logrus.FieldLogger) *MergeEngine {
	return &MergeEngine{log: log}
}

// Merge orders primaries by createdAt (then id), keeps the first and demotes
// the rest, re-pointing their secondaries at the survivor so the cluster stays
// one level deep. Every write is an unconditional field set, so replaying a
// merge against fresh reads converges on the same state.
func (m *MergeEngine) Merge(ctx context.Context, st store.ContactStore, primaries []*models.Contact) (*MergeResult, error) {
	if len(primaries) == 0 {
		return nil, fmt.Errorf("merge requires at least one primary")
	}

	ordered := append([]*models.Contact(nil), primaries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OlderThan(ordered[j])
	})

	result := &MergeResult{Survivor: ordered[0]}

	if !result.Survivor.IsPrimary() || result.Survivor.LinkPrecedence != models.LinkPrimary {
		if err := m.promote(ctx, st, result.Survivor); err != nil {
			return nil, err
		}
		result.Repaired = true
	}

	for _, absorbed := range ordered[1:] {
		moved, err := m.absorb(ctx, st, result.Survivor, absorbed)
		if err != nil {
			return nil, err
		}
		result.Absorbed = append(result.Absorbed, absorbed)
		result.Reparented = append(result.Reparented, moved...)
	}

	if len(result.Absorbed) > 0 {
		m.log.WithFields(logrus.Fields{
			"primary_id": result.Survivor.ID,
			"absorbed":   contactIDs(result.Absorbed),
			"reparented": result.Reparented,
		}).Info("Merged contact clusters")
	}
	return result, nil
}

// absorb demotes absorbed under survivor and moves its secondaries. Both steps
// run in the caller's transaction.
func (m *MergeEngine) absorb(ctx context.Context, st store.ContactStore, survivor, absorbed *models.Contact) ([]int64, error) {
	link := survivor.ID
	demote := models.ContactUpdate{LinkPrecedence: models.LinkSecondary, LinkedID: &link}

	if err := st.Update(ctx, absorbed.ID, demote); err != nil {
		return nil, fmt.Errorf("failed to demote contact %d: %w", absorbed.ID, err)
	}

	children, err := st.FindByLinkedID(ctx, absorbed.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts linked to %d: %w", absorbed.ID, err)
	}

	var moved []int64
	for _, child := range children {
		if child.ID == survivor.ID {
			continue
		}
		if err := st.Update(ctx, child.ID, demote); err != nil {
			return nil, fmt.Errorf("failed to re-link contact %d: %w", child.ID, err)
		}
		moved = append(moved, child.ID)
	}

	absorbed.LinkPrecedence = models.LinkSecondary
	absorbed.LinkedID = &link
	return moved, nil
}

func (m *MergeEngine) promote(ctx context.Context, st store.ContactStore, c *models.Contact) error {
	m.log.WithField("contact_id", c.ID).Warn("Promoting contact with broken link to primary")
	if err := st.Update(ctx, c.ID, models.ContactUpdate{LinkPrecedence: models.LinkPrimary}); err != nil {
		return fmt.Errorf("failed to promote contact %d: %w", c.ID, err)
	}
	c.LinkPrecedence = models.LinkPrimary
	c.LinkedID = nil
	return nil
}

func contactIDs(contacts []*models.Contact) []int64 {
	ids := make([]int64, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	return ids
}
