package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/aura-client/internal/domain"
)

// AuthResult is a successful authentication.
type AuthResult struct {
	Identity domain.Identity
	Message  string
}

// ChatResult is the settled outcome of a chat call. SendChat never fails;
// failures are reported here with Success=false and a fallback response.
type ChatResult struct {
	Success  bool
	Response string
	Routing  *domain.Routing
	Err      error
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedRequest struct {
	Credential string `json:"credential"`
}

type wireUser struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	LearningProfile *string `json:"learning_profile"`
}

type authResponse struct {
	User    wireUser `json:"user"`
	Token   string   `json:"token"`
	Success bool     `json:"success"`
	Message string   `json:"message"`
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
	Engine  string `json:"engine,omitempty"`
}

type wireRouting struct {
	SelectedAgent string  `json:"selected_agent"`
	Confidence    float64 `json:"confidence"`
}

type chatResponse struct {
	Response      string       `json:"response"`
	Success       bool         `json:"success"`
	Error         *string      `json:"error"`
	Routing       *wireRouting `json:"routing"`
	SelectedAgent string       `json:"selected_agent"`
	Confidence    *float64     `json:"confidence"`
}

func (r chatResponse) routing() *domain.Routing {
	switch {
	case r.Routing != nil && r.Routing.SelectedAgent != "":
		rt := domain.Routing{Agent: r.Routing.SelectedAgent, Confidence: r.Routing.Confidence}
		rt.Confidence = rt.ClampedConfidence()
		return &rt
	case r.SelectedAgent != "":
		rt := domain.Routing{Agent: r.SelectedAgent}
		if r.Confidence != nil {
			rt.Confidence = *r.Confidence
		}
		rt.Confidence = rt.ClampedConfidence()
		return &rt
	default:
		return nil
	}
}

type wireMemory struct {
	ID        json.RawMessage `json:"id"`
	Prompt    string          `json:"prompt"`
	Response  string          `json:"response"`
	Timestamp wireTime        `json:"timestamp"`
}

type memoriesEnvelope struct {
	Memories []wireMemory `json:"memories"`
}

// memoriesPayload accepts either a bare array or {"memories": [...]}.
type memoriesPayload []wireMemory

func (p *memoriesPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []wireMemory
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*p = list
		return nil
	}
	var env memoriesEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*p = env.Memories
	return nil
}

// memoryID normalizes string and numeric identifiers.
func memoryID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// wireTime parses the timestamp layouts the backend emits: RFC 3339, naive
// ISO 8601 (treated as UTC) and unix seconds.
type wireTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %s: %w", data, err)
		}
		t.Time = time.Unix(0, int64(secs*float64(time.Second))).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
