package subscription

import (
	"context"
	"fmt"

	"github.com/coachpo/herald/internal/app/serializer"
	"github.com/coachpo/herald/internal/domain/schema"
)

// Projector renders the part of an object a subscription selected.
type Projector interface {
	Project(ctx context.Context, obj any, fields schema.Selection) (map[string]any, error)
}

// SerializerProjector normalizes the object with relations embedded and then
// keeps only the selected fields.
type SerializerProjector struct {
	normalizer serializer.Normalizer
}

// NewSerializerProjector wraps normalizer.
func NewSerializerProjector(normalizer serializer.Normalizer) *SerializerProjector {
	return &SerializerProjector{normalizer: normalizer}
}

// Project implements Projector.
func (p *SerializerProjector) Project(ctx context.Context, obj any, fields schema.Selection) (map[string]any, error) {
	normalized, err := p.normalizer.Normalize(ctx, obj, serializer.FormatJSON, map[string]any{
		serializer.ContextEmbedRelations: true,
	})
	if err != nil {
		return nil, err
	}
	doc, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("project %T: expected an object, got %T", obj, normalized)
	}
	return pick(doc, fields), nil
}

// pick keeps the selected keys of doc. Selected keys missing from doc map to nil.
func pick(doc map[string]any, fields schema.Selection) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		value, ok := doc[field.Name]
		if !ok {
			out[field.Name] = nil
			continue
		}
		out[field.Name] = pickValue(value, field.Fields)
	}
	return out
}

func pickValue(value any, fields schema.Selection) any {
	if len(fields) == 0 {
		return value
	}
	switch typed := value.(type) {
	case map[string]any:
		return pick(typed, fields)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = pickValue(item, fields)
		}
		return out
	default:
		return value
	}
}
