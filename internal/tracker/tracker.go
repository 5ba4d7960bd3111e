// Package tracker holds the runtime-mutable configuration of what the
// decision engine listens for, and builds the LLM prompt and tool schema
// from it.
//
// The live config is swapped atomically as a whole snapshot: readers never
// observe a partially updated value, and changes take effect on the next
// LLM call without restart.
package tracker

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ToolName is the single function tool the LLM is forced to call.
const ToolName = "capture_meeting_item"

// NoMatch is the type value the LLM returns when nothing significant is
// present in the window.
const NoMatch = "no_match"

// Category is one kind of item the tracker captures.
type Category struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Config is the full tracker configuration.
type Config struct {
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	Categories        []Category `json:"categories"`
	ExtraInstructions string     `json:"extra_instructions"`
}

// Defaults returns the built-in tracker configuration.
func Defaults() Config {
	return Config{
		Name:        "Meeting Intelligence",
		Description: "Detects decisions, action items, key insights, and commitments.",
		Categories: []Category{
			{
				Key:         "decision",
				Label:       "Decision",
				Description: `Something the group has clearly agreed to or resolved ("we will", "we've decided", "let's go with", "we agreed")`,
				Enabled:     true,
			},
			{
				Key:         "action_item",
				Label:       "Action Item",
				Description: `A concrete task assigned to someone with clear ownership ("John will", "we need to", "I'll take care of", "Alice is going to")`,
				Enabled:     true,
			},
			{
				Key:         "key_insight",
				Label:       "Key Insight",
				Description: "An important observation, status update, risk flag, or strategic insight shared during the meeting that others should know about",
				Enabled:     true,
			},
			{
				Key:         "commitment",
				Label:       "Commitment",
				Description: `A timeline, deadline, or resource commitment ("by end of quarter", "we'll ship by Friday", "budget approved for X")`,
				Enabled:     true,
			},
		},
		ExtraInstructions: `Be conservative. Tentative language ("maybe", "what if", "could we") is NOT a decision. ` +
			"If multiple things are present, pick the most significant one. " +
			"Keep summaries short and specific (one sentence). " +
			"Include the names of people mentioned whenever possible.",
	}
}

// EnabledKeys returns the keys of all enabled categories, in order.
func (c Config) EnabledKeys() []string {
	keys := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Enabled {
			keys = append(keys, cat.Key)
		}
	}
	return keys
}

// Store is the process-wide tracker configuration holder. The zero value is
// ready to use and serves the defaults.
type Store struct {
	cfg atomic.Pointer[Config]
}

// NewStore returns a Store initialised with the default configuration.
func NewStore() *Store {
	s := &Store{}
	cfg := Defaults()
	s.cfg.Store(&cfg)
	return s
}

// Get returns the current configuration snapshot.
func (s *Store) Get() Config {
	if p := s.cfg.Load(); p != nil {
		return *p
	}
	return Defaults()
}

// Set replaces the configuration atomically. Empty fields fall back to the
// defaults, so a sparse update cannot wipe the tracker. Returns the stored
// snapshot.
func (s *Store) Set(cfg Config) Config {
	def := Defaults()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Description == "" {
		cfg.Description = def.Description
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = def.Categories
	}
	if cfg.ExtraInstructions == "" {
		cfg.ExtraInstructions = def.ExtraInstructions
	}
	s.cfg.Store(&cfg)
	return cfg
}

// Reset restores the defaults and returns them.
func (s *Store) Reset() Config {
	cfg := Defaults()
	s.cfg.Store(&cfg)
	return cfg
}

// SystemPrompt composes the analyst system prompt from the enabled
// categories and the instruction paragraph.
func SystemPrompt(cfg Config) string {
	var b strings.Builder
	b.WriteString("You are a precise meeting analyst.\n")
	b.WriteString("You are given a rolling window of recent transcript segments from a live meeting.\n\n")
	b.WriteString("Your job: detect exactly ONE of the following, if present:\n")
	for _, cat := range cfg.Categories {
		if !cat.Enabled {
			continue
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", cat.Key, cat.Description)
	}
	b.WriteString("- **no_match**: nothing significant to capture right now\n\n")
	b.WriteString("Rules:\n")
	for _, rule := range strings.Split(cfg.ExtraInstructions, ". ") {
		rule = strings.TrimSuffix(strings.TrimSpace(rule), ".")
		if rule == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s.\n", rule)
	}
	b.WriteString("- Always call capture_meeting_item — even for no_match.\n")
	b.WriteString("- Extract entities (people, companies, products, dates, amounts, documents, topics) relevant to the detected item.\n")
	b.WriteString("- For no_match, entities should be an empty array.")
	return b.String()
}

// ToolDescription returns the description of the capture_meeting_item tool
// for the current configuration.
func ToolDescription(cfg Config) string {
	return fmt.Sprintf(
		"Call this when you detect a tracked item in the transcript. Categories: %s. Call with type='no_match' if nothing significant is present.",
		strings.Join(cfg.EnabledKeys(), ", "))
}

// ToolParameters returns the JSON-schema parameters of capture_meeting_item.
// The type enum is the enabled category keys plus "no_match".
func ToolParameters(cfg Config) map[string]any {
	enabled := cfg.EnabledKeys()
	typeEnum := make([]string, 0, len(enabled)+1)
	typeEnum = append(typeEnum, enabled...)
	typeEnum = append(typeEnum, NoMatch)

	descParts := make([]string, 0, len(enabled)+1)
	for _, cat := range cfg.Categories {
		if cat.Enabled {
			descParts = append(descParts, fmt.Sprintf("%q: %s", cat.Key, cat.Description))
		}
	}
	descParts = append(descParts, `"no_match": nothing found`)

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"enum":        typeEnum,
				"description": strings.Join(descParts, "; "),
			},
			"summary": map[string]any{
				"type":        "string",
				"description": "One-sentence summary of the item. Empty string for no_match.",
			},
			"speaker": map[string]any{
				"type":        []string{"string", "null"},
				"description": "Speaker name if clearly attributable, otherwise null.",
			},
			"confidence": map[string]any{
				"type":        "number",
				"description": "Confidence score between 0 and 1.",
			},
			"entities": map[string]any{
				"type": "array",
				"description": "Entities mentioned in this item. Extract people, companies, " +
					"products, dates/deadlines, dollar amounts, documents, and topics. " +
					"Only include entities directly relevant to this specific item.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type":        "string",
							"enum":        []string{"person", "company", "product", "date", "amount", "document", "topic"},
							"description": "Entity type.",
						},
						"label": map[string]any{
							"type":        "string",
							"description": "Display text for the entity (e.g. 'Sarah Chen', 'AWS', 'March 15').",
						},
						"id": map[string]any{
							"type":        "string",
							"description": "Unique slug ID, lowercase with hyphens (e.g. 'sarah-chen', 'aws', 'mar-15').",
						},
					},
					"required": []string{"type", "label", "id"},
				},
			},
		},
		"required": []string{"type", "summary", "speaker", "confidence"},
	}
}
