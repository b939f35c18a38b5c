package gateway

import (
	"context"
	"net/http"
	"sort"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const capCapabilities = "fetch_agent_capabilities"

// Capabilities is the descriptive map the service publishes about its agents.
type Capabilities struct {
	Fields *structpb.Struct
}

// AgentNames lists the agents the service advertises. It understands an
// "agents" object or list; otherwise it falls back to the top-level keys.
func (c Capabilities) AgentNames() []string {
	if c.Fields == nil {
		return nil
	}

	var names []string
	if agents, ok := c.Fields.GetFields()["agents"]; ok {
		switch v := agents.GetKind().(type) {
		case *structpb.Value_StructValue:
			for name := range v.StructValue.GetFields() {
				names = append(names, name)
			}
		case *structpb.Value_ListValue:
			for _, item := range v.ListValue.GetValues() {
				switch iv := item.GetKind().(type) {
				case *structpb.Value_StringValue:
					names = append(names, iv.StringValue)
				case *structpb.Value_StructValue:
					if n := iv.StructValue.GetFields()["name"].GetStringValue(); n != "" {
						names = append(names, n)
					}
				}
			}
		}
	} else {
		for name := range c.Fields.GetFields() {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// rawBody captures an undecoded response body.
type rawBody []byte

func (r *rawBody) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// FetchCapabilities returns the agent capability map. It is only used for a
// feature-availability badge.
func (c *Client) FetchCapabilities(ctx context.Context) (Capabilities, error) {
	var body rawBody
	if rerr := c.do(ctx, call{
		capability: capCapabilities,
		method:     http.MethodGet,
		path:       []string{"api", "agents", "capabilities"},
	}, &body); rerr != nil {
		return Capabilities{}, rerr
	}

	fields := &structpb.Struct{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, fields); err != nil {
		return Capabilities{}, &RemoteError{
			Kind:       KindServer,
			Capability: capCapabilities,
			Status:     http.StatusOK,
			Message:    "the tutoring service sent a malformed capability map",
			Err:        err,
		}
	}
	return Capabilities{Fields: fields}, nil
}
