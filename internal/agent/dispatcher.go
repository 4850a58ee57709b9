package agent

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/haasonsaas/valet/pkg/models"
)

// fallbackAgentName is picked when no keyword scores and no mention
// matches.
const fallbackAgentName = "default"

// Dispatcher routes incoming messages to an agent. A leading
// "@name rest" mention routes directly; otherwise the message is
// classified by keyword scoring over each agent's vocabulary.
type Dispatcher struct {
	agents []*Definition
	byName map[string]*Definition
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher over the roster, preserving
// registration order for tie-breaks.
func NewDispatcher(agents []*Definition, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		agents: agents,
		byName: make(map[string]*Definition, len(agents)),
		logger: logger.With("component", "dispatcher"),
	}
	for _, a := range agents {
		key := strings.ToLower(a.Name)
		if _, dup := d.byName[key]; dup {
			continue
		}
		d.byName[key] = a
	}
	return d
}

// Agent returns the named agent (case insensitive), or the fallback when
// the name is unknown. Returns nil only for an empty roster.
func (d *Dispatcher) Agent(name string) *Definition {
	if a, ok := d.byName[strings.ToLower(name)]; ok {
		return a
	}
	return d.fallback()
}

// Dispatch picks the agent for a message, records the choice on the
// session, and returns the agent plus the message with any routing
// mention stripped. The session's ActiveAgent field is the only mutation.
func (d *Dispatcher) Dispatch(session *models.Session, message string) (*Definition, string) {
	agent, rest := d.resolve(message)
	if agent == nil {
		return nil, message
	}
	if session != nil && session.ActiveAgent != agent.Name {
		session.ActiveAgent = agent.Name
	}
	return agent, rest
}

func (d *Dispatcher) resolve(message string) (*Definition, string) {
	trimmed := strings.TrimSpace(message)
	if name, rest, ok := splitMention(trimmed); ok {
		if a, found := d.byName[strings.ToLower(name)]; found {
			d.logger.Debug("routed by mention", "agent", a.Name)
			return a, rest
		}
		// Unknown mention falls through to keyword scoring on the
		// full message.
	}

	lower := strings.ToLower(trimmed)
	var best *Definition
	bestScore := 0
	for _, a := range d.agents {
		score := 0
		for _, kw := range a.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(lower, kw) {
				score++
			}
		}
		// Strictly greater keeps registration order on ties.
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	if best != nil {
		d.logger.Debug("routed by keywords", "agent", best.Name, "score", bestScore)
		return best, message
	}
	return d.fallback(), message
}

// fallback prefers the agent named "default", then the first registered.
func (d *Dispatcher) fallback() *Definition {
	if a, ok := d.byName[fallbackAgentName]; ok {
		return a
	}
	if len(d.agents) > 0 {
		return d.agents[0]
	}
	return nil
}

// splitMention parses a leading "@name" token. The remainder after the
// first whitespace run is the message; a bare mention has an empty rest.
func splitMention(message string) (name, rest string, ok bool) {
	if !strings.HasPrefix(message, "@") {
		return "", "", false
	}
	body := message[1:]
	idx := strings.IndexFunc(body, unicode.IsSpace)
	if idx < 0 {
		name = body
	} else {
		name = body[:idx]
		rest = strings.TrimSpace(body[idx:])
	}
	if name == "" {
		return "", "", false
	}
	return name, rest, true
}
