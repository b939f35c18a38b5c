package gateway

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/ashureev/aura-client/internal/domain"
)

const (
	capMemories = "fetch_memories"

	// DefaultMemoryLimit is used when callers pass a non-positive limit.
	DefaultMemoryLimit = 50
)

// FetchMemories returns up to limit of the most recent persisted exchanges
// for identityID, oldest first.
func (c *Client) FetchMemories(ctx context.Context, identityID string, limit int) ([]domain.Memory, error) {
	if identityID == "" {
		return nil, &RemoteError{Kind: KindAuth, Capability: capMemories, Message: "no signed-in identity"}
	}
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}

	var payload memoriesPayload
	if rerr := c.do(ctx, call{
		capability: capMemories,
		method:     http.MethodGet,
		path:       []string{"api", "memories", url.PathEscape(identityID)},
		query:      url.Values{"limit": []string{strconv.Itoa(limit)}},
		authed:     true,
	}, &payload); rerr != nil {
		return nil, rerr
	}

	memories := make([]domain.Memory, 0, len(payload))
	for _, m := range payload {
		id := memoryID(m.ID)
		if id == "" {
			c.logger.Warn("Skipping memory without identifier", "user_id", identityID)
			continue
		}
		memories = append(memories, domain.Memory{
			ID:        id,
			Prompt:    m.Prompt,
			Response:  m.Response,
			Timestamp: m.Timestamp.Time,
		})
	}

	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Timestamp.Before(memories[j].Timestamp)
	})
	if len(memories) > limit {
		memories = memories[len(memories)-limit:]
	}
	return memories, nil
}
