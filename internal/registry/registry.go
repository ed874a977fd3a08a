// Package registry holds the reference map: for every dependent collection,
// where member ids live inside its documents and how a member's data there
// is removed.
//
// A Registry is a plain value. The engine receives it explicitly, so tests
// and deployments can substitute their own table for Default().
package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMemberCollection is the collection holding live member records.
const DefaultMemberCollection = "members"

// Shape is the structural form of a member reference inside a document.
type Shape int

const (
	// Scalar means the field holds a single member id.
	Scalar Shape = iota
	// ScalarList means the field holds an array of member ids.
	ScalarList
	// ObjectList means the field holds an array of sub-objects, each
	// carrying a member id under ReferencePath.Key.
	ObjectList
)

var shapeNames = map[Shape]string{
	Scalar:     "scalar",
	ScalarList: "scalarList",
	ObjectList: "objectList",
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

func (s Shape) MarshalText() ([]byte, error) {
	name, ok := shapeNames[s]
	if !ok {
		return nil, fmt.Errorf("registry: unknown shape %d", int(s))
	}
	return []byte(name), nil
}

func (s *Shape) UnmarshalText(text []byte) error {
	for shape, name := range shapeNames {
		if strings.EqualFold(name, string(text)) {
			*s = shape
			return nil
		}
	}
	return fmt.Errorf("registry: unknown shape %q", string(text))
}

// Action is how a member's data is removed from a collection during a
// cascading delete.
type Action int

const (
	// DeleteWhere deletes every document where any reference path holds the id.
	DeleteWhere Action = iota
	// DeleteByID deletes the single document whose _id is the member id.
	DeleteByID
	// PruneEntries removes the member's entries from array fields and keeps
	// the parent documents.
	PruneEntries
)

var actionNames = map[Action]string{
	DeleteWhere:  "deleteWhere",
	DeleteByID:   "deleteById",
	PruneEntries: "pruneEntries",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

func (a Action) MarshalText() ([]byte, error) {
	name, ok := actionNames[a]
	if !ok {
		return nil, fmt.Errorf("registry: unknown action %d", int(a))
	}
	return []byte(name), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for action, name := range actionNames {
		if strings.EqualFold(name, string(text)) {
			*a = action
			return nil
		}
	}
	return fmt.Errorf("registry: unknown action %q", string(text))
}

// ReferencePath locates member ids inside a document.
type ReferencePath struct {
	// Path is a dotted field path. For ObjectList it names the array.
	Path  string `yaml:"path"`
	Shape Shape  `yaml:"shape"`
	// Key is the member id field inside each ObjectList entry.
	Key string `yaml:"key,omitempty"`
}

func (p ReferencePath) String() string {
	if p.Shape == ObjectList {
		return fmt.Sprintf("%s[].%s", p.Path, p.Key)
	}
	return p.Path
}

// Collection describes one dependent collection.
type Collection struct {
	Name string `yaml:"name"`

	// SummaryKey names the collection in cleanup summaries. Defaults to Name.
	SummaryKey string `yaml:"summaryKey,omitempty"`

	Paths   []ReferencePath `yaml:"paths"`
	Cascade Action          `yaml:"cascade"`

	// Report lists array fields whose lengths are added to the summary's
	// auxiliary counters under ReportKey before a document is deleted.
	Report    []string `yaml:"report,omitempty"`
	ReportKey string   `yaml:"reportKey,omitempty"`

	// NotifyCounter, when set, is the shared counter announced after a
	// cascade removed at least one document from this collection.
	NotifyCounter string `yaml:"notifyCounter,omitempty"`
}

// Key returns the summary key for the collection.
func (c Collection) Key() string {
	if c.SummaryKey != "" {
		return c.SummaryKey
	}
	return c.Name
}

// PrunesEntries reports whether orphans in this collection are array
// entries rather than whole documents.
func (c Collection) PrunesEntries() bool {
	return HasListPaths(c.Paths) && c.Cascade == PruneEntries
}

// HasListPaths reports whether any path is an array shape.
func HasListPaths(paths []ReferencePath) bool {
	for _, p := range paths {
		if p.Shape != Scalar {
			return true
		}
	}
	return false
}

// ConfigError reports a malformed reference map.
type ConfigError struct {
	Collection string
	Reason     string
}

func (e *ConfigError) Error() string {
	if e.Collection == "" {
		return "registry: " + e.Reason
	}
	return fmt.Sprintf("registry: collection %q: %s", e.Collection, e.Reason)
}

// Registry is an immutable, validated reference map.
type Registry struct {
	members     string
	collections []Collection
	index       map[string]int
}

// File is the YAML form of a registry.
type File struct {
	Members     string       `yaml:"members"`
	Collections []Collection `yaml:"collections"`
}

// New validates collections and builds a Registry. An empty members name
// means DefaultMemberCollection.
func New(members string, collections []Collection) (*Registry, error) {
	if members == "" {
		members = DefaultMemberCollection
	}
	r := &Registry{
		members:     members,
		collections: make([]Collection, 0, len(collections)),
		index:       make(map[string]int, len(collections)),
	}
	for _, c := range collections {
		if err := validate(c); err != nil {
			return nil, err
		}
		if c.Name == members {
			return nil, &ConfigError{Collection: c.Name, Reason: "member collection cannot be a dependent collection"}
		}
		if _, dup := r.index[c.Name]; dup {
			return nil, &ConfigError{Collection: c.Name, Reason: "duplicate collection"}
		}
		c.Paths = append([]ReferencePath(nil), c.Paths...)
		c.Report = append([]string(nil), c.Report...)
		r.index[c.Name] = len(r.collections)
		r.collections = append(r.collections, c)
	}
	return r, nil
}

func validate(c Collection) error {
	if c.Name == "" {
		return &ConfigError{Reason: "collection name is required"}
	}
	if len(c.Paths) == 0 {
		return &ConfigError{Collection: c.Name, Reason: "at least one reference path is required"}
	}
	objectLists := 0
	for _, p := range c.Paths {
		if p.Path == "" {
			return &ConfigError{Collection: c.Name, Reason: "empty reference path"}
		}
		switch p.Shape {
		case Scalar, ScalarList:
			if p.Key != "" {
				return &ConfigError{Collection: c.Name, Reason: fmt.Sprintf("path %q: key is only valid for objectList", p.Path)}
			}
		case ObjectList:
			if p.Key == "" {
				return &ConfigError{Collection: c.Name, Reason: fmt.Sprintf("path %q: objectList requires a key", p.Path)}
			}
			objectLists++
		default:
			return &ConfigError{Collection: c.Name, Reason: fmt.Sprintf("path %q: unknown shape", p.Path)}
		}
	}
	if objectLists > 0 && objectLists != len(c.Paths) {
		return &ConfigError{Collection: c.Name, Reason: "objectList paths cannot be mixed with other shapes"}
	}
	switch c.Cascade {
	case DeleteWhere:
	case DeleteByID:
		if len(c.Paths) != 1 || c.Paths[0].Path != "_id" {
			return &ConfigError{Collection: c.Name, Reason: "deleteById requires the single path _id"}
		}
	case PruneEntries:
		if !HasListPaths(c.Paths) {
			return &ConfigError{Collection: c.Name, Reason: "pruneEntries requires list paths"}
		}
		for _, p := range c.Paths {
			if p.Shape == Scalar {
				return &ConfigError{Collection: c.Name, Reason: "pruneEntries cannot prune a scalar path"}
			}
		}
	default:
		return &ConfigError{Collection: c.Name, Reason: "unknown cascade action"}
	}
	if len(c.Report) > 0 && c.ReportKey == "" {
		return &ConfigError{Collection: c.Name, Reason: "report fields require a reportKey"}
	}
	return nil
}

// Parse decodes and validates a YAML registry.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse: %v", err)}
	}
	if len(f.Collections) == 0 {
		return nil, &ConfigError{Reason: "no collections defined"}
	}
	return New(f.Members, f.Collections)
}

// Load reads a YAML registry from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data)
}

// Members returns the member collection name.
func (r *Registry) Members() string {
	return r.members
}

// Lookup returns the collection with the given name.
func (r *Registry) Lookup(name string) (Collection, bool) {
	i, ok := r.index[name]
	if !ok {
		return Collection{}, false
	}
	return r.collections[i], true
}

// Paths returns the reference paths of a collection, or nil if unknown.
func (r *Registry) Paths(name string) []ReferencePath {
	c, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return c.Paths
}

// Collections returns every collection in registration order.
func (r *Registry) Collections() []Collection {
	return append([]Collection(nil), r.collections...)
}

// Names returns every collection name in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.collections))
	for i, c := range r.collections {
		names[i] = c.Name
	}
	return names
}

// File returns the YAML form of the registry.
func (r *Registry) File() File {
	return File{Members: r.members, Collections: r.Collections()}
}
