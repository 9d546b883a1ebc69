package bedrockagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

// responseStream is the part of the InvokeAgent event stream the client
// consumes. *bedrockagentruntime.InvokeAgentEventStream satisfies it.
type responseStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// openStreamFunc starts an agent invocation and hands back its event stream.
type openStreamFunc func(ctx context.Context, in *bedrockagentruntime.InvokeAgentInput) (responseStream, error)

// Client invokes a Bedrock agent and assembles its chunked completion into a
// single reply. The agent is session-scoped: the session id is passed through
// on every call so the backend can keep its own memory keyed by it.
type Client struct {
	agentID string
	aliasID string
	open    openStreamFunc
}

// New creates a Client bound to one agent id / alias id pair.
func New(api *bedrockagentruntime.Client, agentID, aliasID string) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrockagent: api must not be nil")
	}
	c, err := newClient(agentID, aliasID, func(ctx context.Context, in *bedrockagentruntime.InvokeAgentInput) (responseStream, error) {
		out, err := api.InvokeAgent(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newClient is the seam used by tests to substitute the event stream.
func newClient(agentID, aliasID string, open openStreamFunc) (*Client, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("bedrockagent: agent id must not be empty")
	}
	if strings.TrimSpace(aliasID) == "" {
		return nil, errors.New("bedrockagent: agent alias id must not be empty")
	}
	if open == nil {
		return nil, errors.New("bedrockagent: open func must not be nil")
	}
	return &Client{agentID: agentID, aliasID: aliasID, open: open}, nil
}

// Invoke sends one text prompt to the agent and drains the completion stream
// in delivery order. Chunks are concatenated before UTF-8 decoding, so a rune
// split across chunk boundaries is reassembled intact.
func (c *Client) Invoke(ctx context.Context, sessionID, prompt string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("bedrockagent: session id must not be empty")
	}
	if prompt == "" {
		return "", errors.New("bedrockagent: prompt must not be empty")
	}

	stream, err := c.open(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(c.agentID),
		AgentAliasId: aws.String(c.aliasID),
		SessionId:    aws.String(sessionID),
		InputText:    aws.String(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("bedrockagent: invoke agent: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var buf bytes.Buffer
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			// Trace and control events carry no completion text.
			continue
		}
		buf.Write(chunk.Value.Bytes)
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("bedrockagent: drain completion stream: %w", err)
	}
	if buf.Len() == 0 {
		return "", errors.New("bedrockagent: completion stream carried no chunks")
	}
	return buf.String(), nil
}
