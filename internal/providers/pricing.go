package providers

import "strings"

// Cost is per-million-token pricing for a model.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Estimate calculates the dollar cost for the given usage.
func (c Cost) Estimate(usage Usage) float64 {
	total := float64(usage.PromptTokens)*c.Input + float64(usage.CompletionTokens)*c.Output
	return total / 1_000_000
}

// pricing maps model id prefixes to per-million rates. Dated model ids
// ("claude-sonnet-4-20250514") and alias ids ("claude-3-5-haiku-latest")
// both resolve through prefix matching. Read-only after init.
var pricing = map[string]Cost{
	"claude-3-5-haiku": {Input: 0.80, Output: 4.00},
	"claude-3-haiku":   {Input: 0.25, Output: 1.25},
	"claude-sonnet-4":  {Input: 3.00, Output: 15.00},
	"claude-opus-4":    {Input: 15.00, Output: 75.00},
}

// PriceFor returns the pricing for a model id, matching on the longest
// known prefix. Unknown models price at zero rather than guessing.
func PriceFor(model string) Cost {
	var best Cost
	bestLen := -1
	for prefix, cost := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = cost
			bestLen = len(prefix)
		}
	}
	if bestLen < 0 {
		return Cost{}
	}
	return best
}

// CostFor computes the dollar cost of a completion against the pricing
// table. Local models always cost zero because their ids never match.
func CostFor(model string, usage Usage) float64 {
	return PriceFor(model).Estimate(usage)
}
