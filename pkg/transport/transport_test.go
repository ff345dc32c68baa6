package transport

import (
	"testing"

	"github.com/wilbur182/forge-agent/pkg/message"
)

func TestIsContextOverflow_ErrorSignature(t *testing.T) {
	msg := message.Message{ErrorMessage: "Error: maximum context length exceeded for this model"}
	if !IsContextOverflow(msg, nil) {
		t.Fatal("expected overflow signature to match")
	}
}

func TestIsContextOverflow_NoSignature(t *testing.T) {
	msg := message.Message{ErrorMessage: "rate limited, try again later"}
	if IsContextOverflow(msg, nil) {
		t.Fatal("did not expect overflow for unrelated error")
	}
}

func TestIsContextOverflow_WindowCheck(t *testing.T) {
	window := 1000
	msg := message.Message{Usage: &message.Usage{InputTokens: 900, OutputTokens: 200}}
	if !IsContextOverflow(msg, &window) {
		t.Fatal("expected usage exceeding window to count as overflow")
	}

	small := message.Message{Usage: &message.Usage{InputTokens: 10, OutputTokens: 10}}
	if IsContextOverflow(small, &window) {
		t.Fatal("did not expect small usage to overflow")
	}
}
