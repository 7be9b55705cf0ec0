package domain

import "time"

// Identity is the authenticated caller as resolved by the identity provider.
type Identity struct {
	ID          string
	DisplayName string
}

// Valid reports whether the identity carries both an id and a display name.
func (i Identity) Valid() bool {
	return i.ID != "" && i.DisplayName != ""
}

// CompanionKey addresses the memory of one (companion, user, model) triple.
type CompanionKey struct {
	CompanionID string
	UserID      string
	ModelName   string
}

// String renders the key in the form used by the stores.
func (k CompanionKey) String() string {
	return k.CompanionID + "/" + k.UserID + "/" + k.ModelName
}

// MemoryRecord is one entry of the long-term history kept for a CompanionKey.
type MemoryRecord struct {
	Key       CompanionKey
	Content   string
	CreatedAt time.Time
}

// InferenceInput is the provider-agnostic parameter set sent with every
// model invocation.
type InferenceInput struct {
	Prompt       string
	SystemPrompt string
	TopP         float64
	TopK         int
	Temperature  float64
	MaxNewTokens int
	MinNewTokens int
}
