package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/valet/internal/memory"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

type memorySaveParams struct {
	Fact string `json:"fact" jsonschema:"required,description=One durable fact worth remembering across conversations"`
}

type memorySearchParams struct {
	Query string `json:"query" jsonschema:"required,description=Text to look for in long-term memory"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum matches to return,default=5,minimum=1,maximum=50"`
}

const defaultSearchLimit = 5

// MemorySave returns the memory_save tool backed by the given store.
func MemorySave(store *memory.Store) tools.Definition {
	return tools.Definition{
		Name:        "memory_save",
		Description: "Save a durable fact to long-term memory.",
		Parameters:  mustSchema[memorySaveParams](),
		Trust:       tools.TrustTrusted,
		Handler: func(_ context.Context, args map[string]any, _ *models.Session) models.ToolResult {
			fact := stringArg(args, "fact")
			if err := store.Append(fact); err != nil {
				return models.Failf("Could not save memory: %v", err)
			}
			return models.OK("Saved.")
		},
	}
}

// MemorySearch returns the memory_search tool backed by the given store.
func MemorySearch(store *memory.Store) tools.Definition {
	return tools.Definition{
		Name:        "memory_search",
		Description: "Search long-term memory for matching facts.",
		Parameters:  mustSchema[memorySearchParams](),
		Trust:       tools.TrustTrusted,
		Handler: func(_ context.Context, args map[string]any, _ *models.Session) models.ToolResult {
			limit := intArg(args, "limit", defaultSearchLimit)
			matches, err := store.Search(stringArg(args, "query"), limit)
			if err != nil {
				return models.Failf("Could not search memory: %v", err)
			}
			if len(matches) == 0 {
				return models.OK("No matching memories found.")
			}

			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "%s:%d: %s\n", m.File, m.Line, m.Text)
			}
			return models.OKWithMetadata(strings.TrimRight(b.String(), "\n"), map[string]any{
				"matches": len(matches),
			})
		},
	}
}
