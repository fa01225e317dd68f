package tools

import (
	"encoding/json"
	"fmt"

	"github.com/draknorr/publisheriq/internal/llm"
)

// Schema describes a tool for JSON schema/tool-calling.
type Schema struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  []SchemaField `json:"parameters"`
	// EntityKind names the entity type this tool's rows describe. The
	// reference formatter uses it as the fallback kind for rows carrying
	// bare id/name fields without an explicit type discriminator.
	EntityKind string `json:"entity_kind,omitempty"`
}

// SchemaField describes a single parameter.
type SchemaField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// analyticsSchemas declares the PublisherIQ analytics tool surface.
func analyticsSchemas() []Schema {
	return []Schema{
		{
			Name:        "search_games",
			Description: "Search the games catalog by title, genre, tag, or release window",
			EntityKind:  "game",
			Parameters: []SchemaField{
				{Name: "query", Type: "string", Description: "Free-text search over game titles", Required: true},
				{Name: "genre", Type: "string", Description: "Filter by genre name", Required: false},
				{Name: "released_after", Type: "string", Description: "ISO date lower bound", Required: false},
				{Name: "limit", Type: "integer", Description: "Maximum rows to return", Required: false},
			},
		},
		{
			Name:        "get_game_details",
			Description: "Fetch full metrics for a single game by id",
			EntityKind:  "game",
			Parameters: []SchemaField{
				{Name: "app_id", Type: "integer", Description: "Game identifier", Required: true},
			},
		},
		{
			Name:        "top_publishers",
			Description: "Rank publishers by revenue, review score, or catalog size",
			EntityKind:  "publisher",
			Parameters: []SchemaField{
				{Name: "metric", Type: "string", Description: "Ranking metric", Required: true, Enum: []string{"revenue", "review_score", "catalog_size"}},
				{Name: "limit", Type: "integer", Description: "Maximum rows to return", Required: false},
			},
		},
		{
			Name:        "compare_games",
			Description: "Compare metrics side by side for a set of games",
			EntityKind:  "game",
			Parameters: []SchemaField{
				{Name: "app_ids", Type: "array", Description: "Game identifiers to compare", Required: true},
			},
		},
		{
			Name:        "genre_breakdown",
			Description: "Aggregate catalog metrics grouped by genre",
			EntityKind:  "genre",
			Parameters: []SchemaField{
				{Name: "metric", Type: "string", Description: "Aggregation metric", Required: false, Enum: []string{"revenue", "units", "titles"}},
			},
		},
	}
}

// LLMTools converts registered schemas into the provider-facing descriptor
// form (JSON Schema parameters object).
func (r *Registry) LLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, llm.Tool{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.jsonSchema(),
		})
	}
	return out
}

func (s Schema) jsonSchema() json.RawMessage {
	properties := make(map[string]interface{}, len(s.Parameters))
	var required []string
	for _, f := range s.Parameters {
		prop := map[string]interface{}{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Type == "array" {
			prop["items"] = map[string]interface{}{"type": "integer"}
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		// Schemas are static declarations; a marshal failure is a programming error.
		panic(fmt.Sprintf("marshal schema %s: %v", s.Name, err))
	}
	return raw
}
