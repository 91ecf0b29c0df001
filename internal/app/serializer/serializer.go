// Package serializer normalizes resources into JSON-LD (or plain JSON)
// documents using reflection and goccy/go-json.
package serializer

import (
	"context"
	"encoding"
	"fmt"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/resource"
)

// Formats understood by the serializer.
const (
	FormatJSONLD = "jsonld"
	FormatJSON   = "json"
)

// Context keys.
const (
	// ContextGroups restricts output to fields tagged with one of the listed groups.
	ContextGroups = "groups"
	// ContextEmbedRelations embeds related resources instead of rendering their IRI.
	ContextEmbedRelations = "embed_relations"
	// ContextFormat overrides the output format for a single call.
	ContextFormat = "format"
)

const maxDepth = 32

// Serializer renders an object to a payload string.
type Serializer interface {
	Serialize(ctx context.Context, obj any, format string, serializationContext map[string]any) (string, error)
}

// Normalizer renders an object to generic maps, slices and scalars.
type Normalizer interface {
	Normalize(ctx context.Context, obj any, format string, serializationContext map[string]any) (any, error)
}

// Resources is the subset of the resource registry the serializer needs.
type Resources interface {
	Metadata(obj any) (resource.Metadata, bool)
	IRI(obj any, kind resource.ReferenceKind) (string, error)
}

// JSONLD implements Serializer and Normalizer.
type JSONLD struct {
	resources Resources
}

// New constructs a serializer backed by the resource registry.
func New(resources Resources) *JSONLD {
	return &JSONLD{resources: resources}
}

// Serialize normalizes obj and encodes it as JSON.
func (s *JSONLD) Serialize(ctx context.Context, obj any, format string, serializationContext map[string]any) (string, error) {
	normalized, err := s.Normalize(ctx, obj, format, serializationContext)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return "", serializationError("encode", err)
	}
	return string(out), nil
}

// Normalize converts obj into a tree of map[string]any, []any and scalars.
func (s *JSONLD) Normalize(ctx context.Context, obj any, format string, serializationContext map[string]any) (any, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if override, ok := serializationContext[ContextFormat].(string); ok && override != "" {
		format = override
	}
	w := walker{
		resources: s.resources,
		jsonld:    !strings.EqualFold(format, FormatJSON),
		groups:    groupsOf(serializationContext),
		embed:     boolOf(serializationContext, ContextEmbedRelations),
	}
	return w.value(reflect.ValueOf(obj), 0)
}

type walker struct {
	resources Resources
	jsonld    bool
	groups    map[string]struct{}
	embed     bool
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func (w walker) value(v reflect.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, serializationError("normalize", fmt.Errorf("maximum depth %d exceeded", maxDepth))
	}
	if !v.IsValid() {
		return nil, nil
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		if v.Kind() == reflect.Pointer && v.Type().Implements(jsonMarshalerType) {
			break
		}
		v = v.Elem()
	}

	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		return marshalerValue(v)
	}

	switch v.Kind() {
	case reflect.Struct:
		if w.resources != nil && v.CanInterface() {
			if _, ok := w.resources.Metadata(v.Interface()); ok {
				return w.resource(v, depth)
			}
		}
		return w.object(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, err := w.value(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = item
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return marshalerValue(v)
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := w.value(v.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, nil
	default:
		return v.Interface(), nil
	}
}

func (w walker) resource(v reflect.Value, depth int) (any, error) {
	obj := v.Interface()
	meta, _ := w.resources.Metadata(obj)
	id, err := w.resources.IRI(obj, resource.AbsPath)
	if err != nil {
		// Unsaved resources have no identifier; render their fields only.
		id = ""
	}
	if depth > 0 && !w.embed && id != "" {
		return id, nil
	}
	out, err := w.object(v, depth)
	if err != nil {
		return nil, err
	}
	fields := out.(map[string]any)
	if w.jsonld {
		if id != "" {
			fields["@id"] = id
		}
		fields["@type"] = meta.ShortName
		if depth == 0 {
			fields["@context"] = "/contexts/" + meta.ShortName
		}
	}
	return fields, nil
}

func (w walker) object(v reflect.Value, depth int) (any, error) {
	typ := v.Type()
	out := make(map[string]any, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonName(field)
		if skip || !w.inGroups(field) {
			continue
		}
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		item, err := w.value(fv, depth+1)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		out[name] = item
	}
	return out, nil
}

func (w walker) inGroups(field reflect.StructField) bool {
	if len(w.groups) == 0 {
		return true
	}
	tag := field.Tag.Get("groups")
	if tag == "" {
		return false
	}
	for _, group := range strings.Split(tag, ",") {
		if _, ok := w.groups[strings.TrimSpace(group)]; ok {
			return true
		}
	}
	return false
}

func jsonName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func marshalerValue(v reflect.Value) (any, error) {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, serializationError("marshal", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, serializationError("unmarshal", err)
	}
	return out, nil
}

func groupsOf(serializationContext map[string]any) map[string]struct{} {
	raw, ok := serializationContext[ContextGroups]
	if !ok {
		return nil
	}
	var names []string
	switch typed := raw.(type) {
	case string:
		names = []string{typed}
	case []string:
		names = typed
	case []any:
		for _, item := range typed {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		out[name] = struct{}{}
	}
	return out
}

func boolOf(serializationContext map[string]any, key string) bool {
	b, _ := serializationContext[key].(bool)
	return b
}

func serializationError(op string, err error) error {
	return errs.New("serializer", errs.CodeSerialization,
		errs.WithMessage(op),
		errs.WithCause(err))
}
