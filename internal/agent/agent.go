// Package agent talks to the language model that answers users.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// UserIdentity is a snapshot of who sent the current message. Empty fields
// are absent.
type UserIdentity struct {
	ID           string
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
}

// Deps carries per-request context for the agent.
type Deps struct {
	User UserIdentity
}

// SystemPrompt describes the user to the model. Fields are included only
// when present, always in the same order, and the sentence ends with a
// single period.
func SystemPrompt(u UserIdentity) string {
	var b strings.Builder
	b.WriteString("The first name of the user is ")
	b.WriteString(u.FirstName)
	if u.LastName != "" {
		b.WriteString(", the last name is ")
		b.WriteString(u.LastName)
	}
	if u.Username != "" {
		b.WriteString(", the username is ")
		b.WriteString(u.Username)
	}
	if u.LanguageCode != "" {
		b.WriteString(", and the language code is ")
		b.WriteString(u.LanguageCode)
	}
	return strings.TrimRight(b.String(), ".") + "."
}

// Agent produces a reply for a rendered conversation prompt.
type Agent interface {
	Run(ctx context.Context, prompt string, deps Deps) (string, error)
}

// ErrEmptyReply is returned when the model answers with no content.
var ErrEmptyReply = errors.New("agent: empty reply")

// chatClient is the subset of the go-openai client used here.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI is an Agent backed by a chat completion model.
type OpenAI struct {
	client chatClient
	model  string
}

// OpenAIOpts holds parameters for creating an OpenAI agent.
type OpenAIOpts struct {
	APIKey  string
	BaseURL string // optional, for compatible gateways
	Model   string
}

// NewOpenAI creates a chat completion agent.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("agent: api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("agent: model is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: opts.Model}, nil
}

// Model returns the configured model name.
func (a *OpenAI) Model() string { return a.model }

// Run sends the system preamble and the prompt and returns the reply text.
func (a *OpenAI) Run(ctx context.Context, prompt string, deps Deps) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(deps.User)},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("agent: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := resp.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
