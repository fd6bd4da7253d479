// Package seed loads initial tree contents for the in-memory store from JSON
// or YAML files.
package seed

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Entry is one value to place at Location.
type Entry struct {
	Location string          `json:"location" yaml:"location"`
	Value    json.RawMessage `json:"value" yaml:"-"`
}

// Load reads a seed file. Two shapes are accepted in both JSON and YAML:
// a list of {location, value} objects, or a single object mapping locations
// to values. Entries are returned sorted by location.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		return Parse(data)
	}
}

// Parse decodes a JSON seed document.
func Parse(data []byte) ([]Entry, error) {
	var list []struct {
		Location string          `json:"location"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &list); err == nil {
		entries := make([]Entry, 0, len(list))
		for _, item := range list {
			entries = append(entries, Entry{Location: item.Location, Value: item.Value})
		}
		return finish(entries)
	}

	var byLocation map[string]json.RawMessage
	if err := json.Unmarshal(data, &byLocation); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	entries := make([]Entry, 0, len(byLocation))
	for loc, raw := range byLocation {
		entries = append(entries, Entry{Location: loc, Value: raw})
	}
	return finish(entries)
}

func parseYAML(data []byte) ([]Entry, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("seed: decode yaml: %w", err)
	}

	var entries []Entry
	switch v := doc.(type) {
	case []any:
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("seed: yaml entry %d is not an object", i)
			}
			loc, _ := obj["location"].(string)
			raw, err := json.Marshal(obj["value"])
			if err != nil {
				return nil, fmt.Errorf("seed: encode yaml entry %d: %w", i, err)
			}
			entries = append(entries, Entry{Location: loc, Value: raw})
		}
	case map[string]any:
		for loc, value := range v {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("seed: encode yaml value at %s: %w", loc, err)
			}
			entries = append(entries, Entry{Location: loc, Value: raw})
		}
	case nil:
	default:
		return nil, fmt.Errorf("seed: unsupported yaml document %T", doc)
	}
	return finish(entries)
}

func finish(entries []Entry) ([]Entry, error) {
	for i := range entries {
		loc := strings.Trim(strings.TrimSpace(entries[i].Location), "/")
		if loc == "" {
			return nil, fmt.Errorf("seed: entry %d missing location", i)
		}
		entries[i].Location = loc
		if len(entries[i].Value) == 0 {
			entries[i].Value = json.RawMessage("null")
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Location < entries[j].Location })
	return entries, nil
}
