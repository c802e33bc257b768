package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-station/internal/models"
)

var (
	ErrDuplicateLocation = errors.New("duplicate location")
	ErrInvalidLocation   = errors.New("invalid location")
)

var validate = validator.New()

// Registry is the read-only set of known locations. Iteration order is the
// order of the source file.
type Registry struct {
	records []models.LocationRecord
	index   map[string]int
}

// New builds a registry from records, validating coordinates and rejecting duplicate names.
func New(records []models.LocationRecord) (*Registry, error) {
	r := &Registry{
		records: make([]models.LocationRecord, 0, len(records)),
		index:   make(map[string]int, len(records)),
	}
	for _, rec := range records {
		rec.Name = strings.TrimSpace(rec.Name)
		if err := validate.Struct(rec); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidLocation, rec.Name, err)
		}
		key := normalizeName(rec.Name)
		if _, ok := r.index[key]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLocation, rec.Name)
		}
		r.index[key] = len(r.records)
		r.records = append(r.records, rec)
	}
	return r, nil
}

// Load reads a locations file. JSON and YAML are both accepted since JSON parses as YAML.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse locations file %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes a mapping of name to either [latitude, longitude] or
// {latitude, longitude, state, country, timezone}.
func Parse(data []byte) (*Registry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return New(nil)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("locations must be a mapping of name to coordinates")
	}
	records := make([]models.LocationRecord, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		rec, err := decodeRecord(name, root.Content[i+1])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return New(records)
}

func decodeRecord(name string, n *yaml.Node) (models.LocationRecord, error) {
	rec := models.LocationRecord{Name: name}
	switch n.Kind {
	case yaml.SequenceNode:
		var coords []float64
		if err := n.Decode(&coords); err != nil {
			return rec, fmt.Errorf("%w %q: %v", ErrInvalidLocation, name, err)
		}
		if len(coords) < 2 {
			return rec, fmt.Errorf("%w %q: want [latitude, longitude]", ErrInvalidLocation, name)
		}
		rec.Latitude, rec.Longitude = coords[0], coords[1]
	case yaml.MappingNode:
		var v struct {
			Latitude  *float64 `yaml:"latitude"`
			Longitude *float64 `yaml:"longitude"`
			Timezone  string   `yaml:"timezone"`
			State     string   `yaml:"state"`
			Region    string   `yaml:"region"`
			Country   string   `yaml:"country"`
		}
		if err := n.Decode(&v); err != nil {
			return rec, fmt.Errorf("%w %q: %v", ErrInvalidLocation, name, err)
		}
		if v.Latitude == nil || v.Longitude == nil {
			return rec, fmt.Errorf("%w %q: latitude and longitude are required", ErrInvalidLocation, name)
		}
		rec.Latitude, rec.Longitude = *v.Latitude, *v.Longitude
		rec.Timezone = v.Timezone
		rec.Region = v.State
		if rec.Region == "" {
			rec.Region = v.Region
		}
		rec.Country = v.Country
	default:
		return rec, fmt.Errorf("%w %q: unsupported coordinates format", ErrInvalidLocation, name)
	}
	return rec, nil
}

// Lookup finds a location by name, ignoring case and surrounding whitespace.
func (r *Registry) Lookup(name string) (models.LocationRecord, bool) {
	i, ok := r.index[normalizeName(name)]
	if !ok {
		return models.LocationRecord{}, false
	}
	return r.records[i], true
}

// All returns a copy of every record in registry order.
func (r *Registry) All() []models.LocationRecord {
	out := make([]models.LocationRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Names returns canonical location names in registry order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Name
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.records)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
