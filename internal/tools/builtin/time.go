package builtin

import (
	"context"
	"time"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

type currentTimeParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Lisbon; defaults to the server zone"`
}

// CurrentTime returns the current_time tool. A nil clock uses the wall
// clock.
func CurrentTime(now func() time.Time) tools.Definition {
	if now == nil {
		now = time.Now
	}
	return tools.Definition{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific time zone.",
		Parameters:  mustSchema[currentTimeParams](),
		Trust:       tools.TrustTrusted,
		Handler: func(_ context.Context, args map[string]any, _ *models.Session) models.ToolResult {
			t := now()
			if tz := stringArg(args, "timezone"); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return models.Failf("Unknown timezone: %s", tz)
				}
				t = t.In(loc)
			}
			return models.OK(t.Format("Mon, 02 Jan 2006 15:04:05 MST"))
		},
	}
}
