// Package chat is the language model transport used by the assistant.
package chat

import (
	"context"
	"encoding/json"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Request is one completion call. When Schema is set the reply is
// constrained to a JSON document matching it.
type Request struct {
	Messages   []Message
	Schema     json.RawMessage
	SchemaName string
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Model is a chat completion backend.
type Model interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// ErrEmptyResponse is returned when the backend answers without a choice.
var ErrEmptyResponse = errors.New("chat: empty response")
