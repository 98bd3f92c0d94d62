package gateway

import (
	"fmt"
	"net/http"
)

// AgentCard follows the A2A agent card schema: the discovery document a
// counterpart fetches before opening a conversation.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
	Skills             []AgentSkill `json:"skills"`
}

type Capabilities struct {
	Streaming              bool `json:"streaming"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// handleCard serves the per-room agent card, reachable both at
// agent-card.json and the well-known alias. It never resolves the room:
// discovery must not create state.
func (s *Server) handleCard(w http.ResponseWriter, r *http.Request, pairID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	name := s.cfg.CardName
	if name == "" {
		name = "roomrelay"
	}

	card := AgentCard{
		Name:        name,
		Description: "Bilateral A2A conversation room",
		URL:         fmt.Sprintf("%s://%s/api/rooms/%s/a2a", scheme, r.Host, pairID),
		Version:     "0.1",
		Capabilities: Capabilities{
			Streaming:              true,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []AgentSkill{{
			ID:          "conversation",
			Name:        "Conversation",
			Description: "Turn-based bilateral messaging over paired tasks",
			Tags:        []string{"a2a", "messaging"},
		}},
	}
	writeJSON(w, http.StatusOK, card)
}
