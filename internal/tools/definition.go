// Package tools implements the tool registry and the execution pipeline
// that sits between the model and the host: argument normalization, schema
// validation, deadlines, confirmation gating, and trust-driven output
// sanitization.
package tools

import (
	"context"

	"github.com/haasonsaas/valet/pkg/models"
)

// TrustLevel classifies how much a tool's output can be trusted before it
// is appended to conversation history.
type TrustLevel string

const (
	// TrustTrusted output is appended verbatim.
	TrustTrusted TrustLevel = "trusted"
	// TrustMixed output may embed third-party content and is sanitized.
	TrustMixed TrustLevel = "mixed"
	// TrustUntrusted output is fully attacker-controllable and is sanitized.
	TrustUntrusted TrustLevel = "untrusted"
)

// Sanitized reports whether outputs at this level pass through the
// prompt-injection filter before reaching history.
func (t TrustLevel) Sanitized() bool {
	return t == TrustMixed || t == TrustUntrusted
}

// Func is a tool body. Arguments are already normalized to a map and
// validated against the tool's schema when one is declared.
type Func func(ctx context.Context, args map[string]any, session *models.Session) models.ToolResult

// Definition declares one tool: its wire-visible schema plus the execution
// policy the registry enforces around the handler.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema document describing the arguments.
	Parameters map[string]any
	// RequiresConfirmation pauses the turn until the user confirms.
	RequiresConfirmation bool
	Trust                TrustLevel
	Handler              Func
}
