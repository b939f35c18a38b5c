// Package domain contains core domain types for the Aura client.
package domain

import (
	"encoding/json"
	"fmt"
)

// Identity is the authenticated user record held by the session store.
type Identity struct {
	UserID          string `json:"user_id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Credential      string `json:"-"`
	LearningProfile string `json:"learning_profile,omitempty"`
}

// Valid reports whether the identity is complete enough to act on.
func (i *Identity) Valid() bool {
	return i != nil && i.UserID != "" && i.Credential != ""
}

// MarshalRecord serializes the identity without its credential.
// The credential is stored under its own key.
func (i *Identity) MarshalRecord() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("marshal identity: %w", err)
	}
	return string(data), nil
}

// UnmarshalIdentity restores an identity record and attaches the credential.
func UnmarshalIdentity(record, credential string) (*Identity, error) {
	var id Identity
	if err := json.Unmarshal([]byte(record), &id); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	id.Credential = credential
	if !id.Valid() {
		return nil, fmt.Errorf("identity record is incomplete")
	}
	return &id, nil
}
