package domain

import (
	"time"
)

// Origin records whether an entry is known to the remote service.
type Origin string

const (
	// OriginPersisted marks entries fetched from the remote service.
	OriginPersisted Origin = "persisted"
	// OriginLive marks entries created in this process.
	OriginLive Origin = "live"
)

// FallbackApology is the response shown when a chat call fails.
const FallbackApology = "I'm sorry, I couldn't reach your tutor just now. Please try again in a moment."

// Routing is the agent selection the remote service reported for a response.
type Routing struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
}

// ClampedConfidence returns the confidence limited to [0,1].
func (r Routing) ClampedConfidence() float64 {
	switch {
	case r.Confidence < 0:
		return 0
	case r.Confidence > 1:
		return 1
	default:
		return r.Confidence
	}
}

// Entry is one prompt/response exchange in a timeline.
type Entry struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
	Routing   *Routing  `json:"routing,omitempty"`
	Pending   bool      `json:"pending"`
	Failed    bool      `json:"failed"`
}

// IsLive returns true if the entry exists only in this process.
func (e *Entry) IsLive() bool {
	return e.Origin == OriginLive
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() Entry {
	c := *e
	if e.Routing != nil {
		r := *e.Routing
		c.Routing = &r
	}
	return c
}

// Memory is a persisted exchange as reported by the remote service.
type Memory struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// ToEntry converts a memory into a persisted timeline entry.
func (m Memory) ToEntry() Entry {
	return Entry{
		ID:        m.ID,
		Prompt:    m.Prompt,
		Response:  m.Response,
		Timestamp: m.Timestamp,
		Origin:    OriginPersisted,
	}
}
