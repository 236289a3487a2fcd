package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LinkPrecedence marks a contact as the canonical record of its cluster or as a
// record linked to it.
type LinkPrecedence string

const (
	LinkPrimary   LinkPrecedence = "primary"
	LinkSecondary LinkPrecedence = "secondary"
)

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// IsPrimary reports whether the contact is the root of its cluster.
func (c *Contact) IsPrimary() bool {
	return c.LinkedID == nil
}

// OlderThan orders contacts by creation time, falling back to id on ties.
func (c *Contact) OlderThan(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// ContactUpdate is the set of fields a merge may rewrite on an existing contact.
type ContactUpdate struct {
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
}

// IdentifyRequest represents the incoming request body.
// Both fields accept JSON strings or numbers; empty strings count as absent.
type IdentifyRequest struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

// UnmarshalJSON coerces numeric identity values to their literal digits.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       json.RawMessage `json:"email"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	email, err := coerceIdentity("email", raw.Email)
	if err != nil {
		return err
	}
	phone, err := coerceIdentity("phoneNumber", raw.PhoneNumber)
	if err != nil {
		return err
	}

	r.Email = email
	r.PhoneNumber = phone
	return nil
}

// IsEmpty reports whether neither identity field carries a value.
func (r IdentifyRequest) IsEmpty() bool {
	return r.Email == nil && r.PhoneNumber == nil
}

func coerceIdentity(field string, raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var value string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
	default:
		var num json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&num); err != nil {
			return nil, fmt.Errorf("%s must be a string or a number", field)
		}
		value = num.String()
	}

	if value == "" {
		return nil, nil
	}
	return &value, nil
}

// ContactResponse represents the contact data in the response
type ContactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactResponse `json:"contact"`
}

// ErrorResponse is the body returned for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
