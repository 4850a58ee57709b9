package builtin

import (
	"context"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

type echoParams struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back verbatim"`
}

// Echo returns the echo tool, mostly useful for wiring checks and tests.
func Echo() tools.Definition {
	return tools.Definition{
		Name:        "echo",
		Description: "Echo the given text back unchanged.",
		Parameters:  mustSchema[echoParams](),
		Trust:       tools.TrustTrusted,
		Handler: func(_ context.Context, args map[string]any, _ *models.Session) models.ToolResult {
			return models.OK(stringArg(args, "text"))
		},
	}
}
