package gateway

import (
	"context"
	"net/http"

	"github.com/ashureev/aura-client/internal/domain"
)

const capChat = "send_chat_message"

// SendChat sends a prompt on behalf of identityID. It never returns an
// error: every failure resolves to Success=false with the fallback apology
// so callers can always display something.
func (c *Client) SendChat(ctx context.Context, text, identityID string) ChatResult {
	var resp chatResponse
	rerr := c.do(ctx, call{
		capability: capChat,
		method:     http.MethodPost,
		path:       []string{"api", "chat"},
		body: chatRequest{
			Message: text,
			UserID:  identityID,
			Engine:  c.engine,
		},
		authed: true,
	}, &resp)
	if rerr != nil {
		return failedChat(rerr)
	}

	if !resp.Success {
		msg := "the tutoring service could not answer"
		if resp.Error != nil && *resp.Error != "" {
			msg = *resp.Error
		}
		return failedChat(&RemoteError{Kind: KindServer, Capability: capChat, Status: http.StatusOK, Message: msg})
	}
	if resp.Response == "" {
		return failedChat(&RemoteError{Kind: KindServer, Capability: capChat, Status: http.StatusOK, Message: "empty response"})
	}

	return ChatResult{
		Success:  true,
		Response: resp.Response,
		Routing:  resp.routing(),
	}
}

func failedChat(err *RemoteError) ChatResult {
	return ChatResult{
		Success:  false,
		Response: domain.FallbackApology,
		Err:      err,
	}
}
