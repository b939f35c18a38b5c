package gateway

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const capHealth = "health_check"

// AgentState is the result of the optional agent probe.
type AgentState string

const (
	AgentServing    AgentState = "serving"
	AgentNotServing AgentState = "not_serving"
	AgentUnknown    AgentState = "unknown"
)

// Status annotates connectivity for the user. It is informational only.
type Status struct {
	Online    bool       `json:"online"`
	Agent     AgentState `json:"agent"`
	Agents    []string   `json:"agents"`
	CheckedAt time.Time  `json:"checked_at"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// HealthCheck reports whether the tutoring service answers its health probe.
// Failure is non-fatal and only logged.
func (c *Client) HealthCheck(ctx context.Context) bool {
	var resp healthResponse
	if rerr := c.do(ctx, call{
		capability: capHealth,
		method:     http.MethodGet,
		path:       []string{"health"},
	}, &resp); rerr != nil {
		ServiceOnline.Set(0)
		return false
	}

	ok := resp.Status == "" || resp.Status == "ok"
	if ok {
		ServiceOnline.Set(1)
	} else {
		ServiceOnline.Set(0)
	}
	return ok
}

// Connectivity runs the health check, the agent probe and the capability
// fetch concurrently and folds them into one status.
func (c *Client) Connectivity(ctx context.Context) Status {
	status := Status{Agent: AgentUnknown}

	var g errgroup.Group
	g.Go(func() error {
		status.Online = c.HealthCheck(ctx)
		return nil
	})
	if c.probe != nil {
		g.Go(func() error {
			serving, err := c.probe.Check(ctx)
			switch {
			case err != nil:
				c.logger.Debug("agent probe failed", "error", err)
				status.Agent = AgentNotServing
			case serving:
				status.Agent = AgentServing
			default:
				status.Agent = AgentNotServing
			}
			return nil
		})
	}
	g.Go(func() error {
		caps, err := c.FetchCapabilities(ctx)
		if err != nil {
			return nil
		}
		status.Agents = caps.AgentNames()
		return nil
	})
	_ = g.Wait()

	status.CheckedAt = time.Now()
	return status
}
