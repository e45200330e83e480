// Package identity maintains the registry of actors that call into the
// trust core. Every vault, consent, and audit operation is performed on
// behalf of some actor; this package records who they are and when they
// were last seen, so audit trails can be attributed to a known identity.
package identity

import (
	"context"
	"encoding/json"

	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/pkg/schema"
)

// Agent type constants.
const (
	AgentTypeLLM     = "llm"
	AgentTypeSystem  = "system"
	AgentTypeHuman   = "human"
	AgentTypeService = "service"
)

// DefaultAgentType is assumed when an actor registers itself through a
// tool call without declaring a type. Agents reaching the core over MCP
// are LLM-driven unless they say otherwise.
const DefaultAgentType = AgentTypeLLM

var validAgentTypes = map[string]bool{
	AgentTypeLLM:     true,
	AgentTypeSystem:  true,
	AgentTypeHuman:   true,
	AgentTypeService: true,
}

// AgentStore is the slice of persistence the identity registry needs.
// Satisfied by store.Store.
type AgentStore interface {
	RegisterAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
}

// ValidateAgentType checks that typ is one of the valid agent types.
func ValidateAgentType(typ string) error {
	if !validAgentTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent type %q: must be one of llm, system, human, service", typ)
	}
	return nil
}

// ValidateAgent checks required fields on an Agent.
func ValidateAgent(agent *store.Agent) error {
	if agent.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if agent.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	return ValidateAgentType(agent.Type)
}

// EnsureRegistered resolves an actor identity, registering it on first
// contact. An existing agent gets its last_seen_at refreshed and is
// returned as stored; the caller's name/type arguments never overwrite
// an established identity. A new agent is validated, registered, and
// read back.
func EnsureRegistered(ctx context.Context, s AgentStore, id, name, typ string, metadata json.RawMessage) (*store.Agent, error) {
	existing, err := s.GetAgent(ctx, id)
	if err == nil {
		_ = s.UpdateAgentSeen(ctx, id)
		return existing, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	if typ == "" {
		typ = DefaultAgentType
	}
	agent := &store.Agent{
		ID:       id,
		Name:     name,
		Type:     typ,
		Metadata: metadata,
	}
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := s.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}
