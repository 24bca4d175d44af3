package ai

import (
	"context"
	"fmt"
	"strings"

	gUtil "github.com/OFFIS-RIT/kgraph/internal/util"
)

const DedupeBatchSize = 300

// DedupeEntity is one candidate handed to the model.
type DedupeEntity struct {
	Name string
	Type string
	// Existing marks names already stored in the knowledge base.
	Existing bool
}

// DuplicateGroup represents a group of duplicate entities with a canonical name
type DuplicateGroup struct {
	Name     string   `json:"canonicalName" jsonschema_description:"The final name for the deduplicated entities. Prefer a name marked as existing."`
	Entities []string `json:"entities" jsonschema_description:"List of entity names that are considered duplicates."`
}

// DuplicatesResponse is the response from the AI dedupe call
type DuplicatesResponse struct {
	Duplicates []DuplicateGroup `json:"duplicates" jsonschema_description:"List of groups of duplicate entities."`
}

// CallDedupeAI asks the model to group names that denote the same entity.
// At most DedupeBatchSize entities are accepted per call.
func CallDedupeAI(
	ctx context.Context,
	entities []DedupeEntity,
	aiClient FormatCompleter,
	maxRetries int,
) (*DuplicatesResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if aiClient == nil {
		return nil, fmt.Errorf("ai client is nil")
	}

	cleaned := make([]DedupeEntity, 0, len(entities))
	for _, entity := range entities {
		name := NormalizeDedupeValue(entity.Name)
		if name == "" {
			continue
		}
		typeName := NormalizeDedupeValue(entity.Type)
		if typeName == "" {
			typeName = "unknown"
		}
		cleaned = append(cleaned, DedupeEntity{Name: name, Type: typeName, Existing: entity.Existing})
	}
	if len(cleaned) < 2 {
		return &DuplicatesResponse{Duplicates: []DuplicateGroup{}}, nil
	}
	if len(cleaned) > DedupeBatchSize {
		return nil, fmt.Errorf("dedupe batch size exceeded: %d > %d", len(cleaned), DedupeBatchSize)
	}

	var entityData strings.Builder
	entityData.WriteString("Entities:\n")
	for _, e := range cleaned {
		origin := "new"
		if e.Existing {
			origin = "existing"
		}
		fmt.Fprintf(&entityData, "- Name: %s, Type: %s, Origin: %s\n", e.Name, e.Type, origin)
	}
	prompt := fmt.Sprintf(DedupePrompt, entityData.String())

	var res DuplicatesResponse
	err := gUtil.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		return aiClient.GenerateCompletionWithFormat(
			ctx, "dedupe_entities", "Group entity names that refer to the same thing.", prompt, &res,
		)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// NormalizeDedupeValue standardizes names for dedupe comparisons.
func NormalizeDedupeValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}
