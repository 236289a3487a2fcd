package service

import "contactgraph/internal/models"

// BuildView renders a cluster. The primary's own values come first; the rest
// follow cluster order with duplicates and nulls skipped.
func BuildView(primary *models.Contact, cluster []*models.Contact) *models.IdentifyResponse {
	emails := []string{}
	phoneNumbers := []string{}
	secondaryContactIDs := []int64{}

	seenEmail := make(map[string]bool)
	seenPhone := make(map[string]bool)
	add := func(c *models.Contact) {
		if c.Email != nil && !seenEmail[*c.Email] {
			seenEmail[*c.Email] = true
			emails = append(emails, *c.Email)
		}
		if c.PhoneNumber != nil && !seenPhone[*c.PhoneNumber] {
			seenPhone[*c.PhoneNumber] = true
			phoneNumbers = append(phoneNumbers, *c.PhoneNumber)
		}
	}

	add(primary)
	for _, c := range cluster {
		if c.ID == primary.ID {
			continue
		}
		add(c)
		secondaryContactIDs = append(secondaryContactIDs, c.ID)
	}

	return &models.IdentifyResponse{
		Contact: models.ContactResponse{
			PrimaryContactID:    primary.ID,
			Emails:              emails,
			PhoneNumbers:        phoneNumbers,
			SecondaryContactIDs: secondaryContactIDs,
		},
	}
}
