package gateway

import (
	"context"
	"net/http"

	"github.com/ashureev/aura-client/internal/domain"
)

const (
	capAuthenticate = "authenticate"
	capRegister     = "register"
	capFederated    = "federated_authenticate"
)

// Authenticate signs in with email and password.
func (c *Client) Authenticate(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.authenticate(ctx, capAuthenticate, []string{"api", "auth", "login"}, loginRequest{
		Email:    email,
		Password: password,
	})
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, name, email, password string) (*AuthResult, error) {
	return c.authenticate(ctx, capRegister, []string{"api", "auth", "signup"}, signupRequest{
		Name:     name,
		Email:    email,
		Password: password,
	})
}

// AuthenticateFederated exchanges an identity-provider credential (an OpenID
// Connect ID token) for a service identity.
func (c *Client) AuthenticateFederated(ctx context.Context, credential string) (*AuthResult, error) {
	return c.authenticate(ctx, capFederated, []string{"api", "auth", "google"}, federatedRequest{
		Credential: credential,
	})
}

func (c *Client) authenticate(ctx context.Context, capability string, path []string, body any) (*AuthResult, error) {
	var resp authResponse
	if rerr := c.do(ctx, call{
		capability: capability,
		method:     http.MethodPost,
		path:       path,
		body:       body,
	}, &resp); rerr != nil {
		return nil, rerr
	}

	if resp.User.ID == "" || resp.Token == "" {
		msg := resp.Message
		if msg == "" {
			msg = "the tutoring service returned an incomplete sign-in response"
		}
		return nil, &RemoteError{Kind: KindServer, Capability: capability, Status: http.StatusOK, Message: msg}
	}

	id := domain.Identity{
		UserID:     resp.User.ID,
		Name:       resp.User.Name,
		Email:      resp.User.Email,
		Credential: resp.Token,
	}
	if resp.User.LearningProfile != nil {
		id.LearningProfile = *resp.User.LearningProfile
	}

	c.logger.Info("Authenticated with tutoring service", "capability", capability, "user_id", id.UserID)
	return &AuthResult{Identity: id, Message: resp.Message}, nil
}
