// Package resource holds the resource metadata registry: which Go types are
// API resources, how their identifiers resolve to IRIs, and which publish
// policy each declares.
package resource

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

// ReferenceKind selects the IRI flavour.
type ReferenceKind uint8

const (
	// AbsPath yields a path relative to the API root, e.g. /books/1.
	AbsPath ReferenceKind = iota
	// AbsURL yields a fully qualified URL, e.g. https://example.com/books/1.
	AbsURL
)

// Identifiable resources expose their identifier directly.
type Identifiable interface {
	ResourceID() string
}

// Metadata describes a registered resource class.
type Metadata struct {
	// Class is the resource class name, defaulting to the Go type name.
	Class string
	// ShortName is used for @type and the collection path. Defaults to Class.
	ShortName string
	// Types are the type tags published with tombstones. Defaults to [ShortName].
	Types []string
	// Path is the collection path, defaulting to "/" + lower(ShortName) + "s".
	Path string
	// Identifier extracts the identifier; the ResourceID method or an ID field are used when nil.
	Identifier func(obj any) (string, bool)
	// Mercure is the raw publish policy.
	Mercure schema.RawPolicy
	// NormalizationContext is the default serialization context.
	NormalizationContext map[string]any
}

// IdentityResolver maps objects onto resource classes and IRIs.
type IdentityResolver interface {
	ResourceClass(obj any) (string, bool)
	IRI(obj any, kind ReferenceKind) (string, error)
}

// PolicyStore exposes the declared metadata of resource classes.
type PolicyStore interface {
	MetadataFor(class string) (Metadata, bool)
}

// Registry is the in-process resource metadata registry.
type Registry struct {
	mu      sync.RWMutex
	baseURL string
	byType  map[reflect.Type]*Metadata
	byClass map[string]*Metadata
}

// NewRegistry creates a registry producing absolute URLs rooted at baseURL.
func NewRegistry(baseURL string) *Registry {
	return &Registry{
		mu:      sync.RWMutex{},
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		byType:  make(map[reflect.Type]*Metadata),
		byClass: make(map[string]*Metadata),
	}
}

// BaseURL returns the configured API root.
func (r *Registry) BaseURL() string {
	return r.baseURL
}

// Register declares the type of sample as a resource.
func (r *Registry) Register(sample any, meta Metadata) error {
	typ := indirectType(reflect.TypeOf(sample))
	if typ == nil {
		return errs.New("resource/registry", errs.CodeInvalid, errs.WithMessage("sample must not be nil"))
	}
	if meta.Class == "" {
		meta.Class = typ.Name()
	}
	if meta.ShortName == "" {
		meta.ShortName = meta.Class
	}
	if len(meta.Types) == 0 {
		meta.Types = []string{meta.ShortName}
	}
	if meta.Path == "" {
		meta.Path = "/" + strings.ToLower(meta.ShortName) + "s"
	}
	meta.Path = "/" + strings.Trim(meta.Path, "/")

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byClass[meta.Class]; ok && existing != nil {
		return errs.New("resource/registry", errs.CodeConflict,
			errs.WithResource(meta.Class),
			errs.WithMessage("resource class already registered"))
	}
	stored := meta
	r.byType[typ] = &stored
	r.byClass[meta.Class] = &stored
	return nil
}

// SetPolicy replaces the publish policy of a registered class.
func (r *Registry) SetPolicy(class string, policy schema.RawPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.byClass[class]
	if !ok {
		return errs.New("resource/registry", errs.CodeNotFound,
			errs.WithResource(class),
			errs.WithMessage("resource class not registered"))
	}
	meta.Mercure = policy
	return nil
}

// ResourceClass returns the resource class of obj, or false when obj is not a resource.
func (r *Registry) ResourceClass(obj any) (string, bool) {
	meta, ok := r.lookup(obj)
	if !ok {
		return "", false
	}
	return meta.Class, true
}

// Metadata returns the metadata of the class obj belongs to.
func (r *Registry) Metadata(obj any) (Metadata, bool) {
	meta, ok := r.lookup(obj)
	if !ok {
		return Metadata{}, false
	}
	return *meta, true
}

// MetadataFor returns the metadata registered under class.
func (r *Registry) MetadataFor(class string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.byClass[class]
	if !ok {
		return Metadata{}, false
	}
	return *meta, true
}

// Classes returns the registered class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byClass))
	for class := range r.byClass {
		out = append(out, class)
	}
	return out
}

// IRI resolves the identifier of obj into a path or an absolute URL.
func (r *Registry) IRI(obj any, kind ReferenceKind) (string, error) {
	meta, ok := r.lookup(obj)
	if !ok {
		return "", errs.New("resource/iri", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("%T is not a resource", obj)))
	}
	id, ok := identifierOf(meta, obj)
	if !ok || id == "" {
		return "", errs.New("resource/iri", errs.CodeInvalid,
			errs.WithResource(meta.Class),
			errs.WithMessage("identifier unavailable"))
	}
	path := meta.Path + "/" + id
	if kind == AbsURL {
		return r.baseURL + path, nil
	}
	return path, nil
}

// Absolute turns an IRI path into a URL rooted at the registry base.
func (r *Registry) Absolute(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return r.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (r *Registry) lookup(obj any) (*Metadata, bool) {
	if obj == nil {
		return nil, false
	}
	typ := indirectType(reflect.TypeOf(obj))
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.byType[typ]
	return meta, ok
}

func indirectType(typ reflect.Type) reflect.Type {
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ
}

func identifierOf(meta *Metadata, obj any) (string, bool) {
	if meta.Identifier != nil {
		return meta.Identifier(obj)
	}
	if identifiable, ok := obj.(Identifiable); ok {
		id := identifiable.ResourceID()
		return id, id != ""
	}
	value := reflect.ValueOf(obj)
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return "", false
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return "", false
	}
	field := value.FieldByName("ID")
	if !field.IsValid() {
		return "", false
	}
	return formatIdentifier(field)
}

func formatIdentifier(field reflect.Value) (string, bool) {
	switch field.Kind() {
	case reflect.String:
		return field.String(), field.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Int() == 0 {
			return "", false
		}
		return strconv.FormatInt(field.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if field.Uint() == 0 {
			return "", false
		}
		return strconv.FormatUint(field.Uint(), 10), true
	default:
		if stringer, ok := field.Interface().(fmt.Stringer); ok {
			id := stringer.String()
			return id, id != ""
		}
		return "", false
	}
}
