package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/yitercel/taskflow/pkg/executor"
)

// AgentCard is the public discovery document served at
// /.well-known/agent-card. No authentication.
type AgentCard struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	URL          string           `json:"url"`
	Version      string           `json:"version"`
	Capabilities CardCapabilities `json:"capabilities"`
	Skills       []executor.Skill `json:"skills"`
}

type CardCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	card := AgentCard{
		Name:        "taskflow",
		Description: "Task-tree orchestration engine: dependency-ordered execution with live progress streams",
		URL:         scheme + "://" + r.Host + "/",
		Version:     Version,
		Capabilities: CardCapabilities{
			Streaming:         true,
			PushNotifications: true,
		},
		Skills: s.svc.registry.Skills(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}
