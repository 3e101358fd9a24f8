package events

import "time"

// ChatStart is emitted before a language model call. Purpose is "query" or
// "answer".
type ChatStart struct {
	Purpose  string
	Messages int
}

// ChatFinish is emitted after a language model call returns.
type ChatFinish struct {
	Purpose          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Err              error
	Duration         time.Duration
}

// SerializeStart is emitted before query rows are rendered.
type SerializeStart struct {
	Query string
	Rows  int
}

// SerializeFinish is emitted after query rows are rendered.
type SerializeFinish struct {
	Query    string
	Rows     int
	Bytes    int
	Err      error
	Duration time.Duration
}
