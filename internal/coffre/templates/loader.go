// Package templates loads access template seeds from YAML files and writes
// them to the template store at startup.
//
// Every *.yaml or *.yml file at the root of the seed filesystem holds a list
// of templates:
//
//	templates:
//	  - name: Read Only
//	    permissions: [view]
//	    durationDays: 7
//
// Files are validated against a JSON Schema before they are decoded.
package templates

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/coffre-fort/coffre/internal/coffre/access"
)

//go:embed defaults/*.yaml
var defaults embed.FS

// Defaults returns the built-in seed filesystem.
func Defaults() fs.FS {
	sub, err := fs.Sub(defaults, "defaults")
	if err != nil {
		panic(err)
	}
	return sub
}

const seedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["templates"],
  "additionalProperties": false,
  "properties": {
    "templates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "permissions", "durationDays"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1, "pattern": "\\S"},
          "description": {"type": "string"},
          "permissions": {
            "type": "array",
            "minItems": 1,
            "items": {"enum": ["view", "download", "ocr", "ai_summary", "upload"]}
          },
          "durationDays": {"type": "integer", "minimum": 1, "maximum": 3650}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("seed.schema.json", seedSchema)

// Seed is one template definition read from a file.
type Seed struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Permissions  []string `yaml:"permissions"`
	DurationDays int      `yaml:"durationDays"`
	// Source is the file the seed was read from.
	Source string `yaml:"-"`
}

type seedFile struct {
	Templates []Seed `yaml:"templates"`
}

// Registry reads seeds from a filesystem root.
//
//	reg := templates.NewRegistry(os.DirFS("/etc/coffre/templates"))
//	seeds, err := reg.Load()
type Registry struct {
	root fs.FS
}

// NewRegistry creates a Registry backed by root.
func NewRegistry(root fs.FS) *Registry {
	return &Registry{root: root}
}

// Files returns the seed files in name order.
func (r *Registry) Files() ([]string, error) {
	entries, err := fs.ReadDir(r.root, ".")
	if err != nil {
		return nil, fmt.Errorf("listing template seeds: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load validates and decodes every seed file. A later definition of the same
// template id replaces an earlier one, matching CreateTemplate's overwrite
// semantics.
func (r *Registry) Load() ([]Seed, error) {
	files, err := r.Files()
	if err != nil {
		return nil, err
	}

	var out []Seed
	index := make(map[string]int)
	for _, name := range files {
		seeds, err := r.loadFile(name)
		if err != nil {
			return nil, err
		}
		for _, s := range seeds {
			id := access.TemplateID(s.Name)
			if i, dup := index[id]; dup {
				out[i] = s
				continue
			}
			index[id] = len(out)
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Registry) loadFile(name string) ([]Seed, error) {
	raw, err := fs.ReadFile(r.root, name)
	if err != nil {
		return nil, fmt.Errorf("template seed %q: %w", name, err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("template seed %q: parse: %w", name, err)
	}
	if err := validate(doc); err != nil {
		return nil, fmt.Errorf("template seed %q: %w", name, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("template seed %q: decode: %w", name, err)
	}
	for i := range f.Templates {
		f.Templates[i].Source = name
	}
	return f.Templates, nil
}

// validate checks a YAML document against the seed schema. The document is
// round-tripped through JSON so the validator sees JSON types.
func validate(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("invalid: %w", err)
	}
	return nil
}

// Apply writes seeds to the template store and returns how many were
// written.
func Apply(ctx context.Context, store *access.Store, seeds []Seed) (int, error) {
	n := 0
	for _, s := range seeds {
		if _, err := store.CreateTemplate(ctx, s.Name, s.Permissions, s.DurationDays, s.Description); err != nil {
			return n, fmt.Errorf("seed template %q from %s: %w", s.Name, s.Source, err)
		}
		n++
	}
	return n, nil
}

// SeedMissing applies only the seeds whose template does not exist yet, so
// templates edited by administrators survive a restart.
func SeedMissing(ctx context.Context, store *access.Store, seeds []Seed) (int, error) {
	var missing []Seed
	for _, s := range seeds {
		_, err := store.GetTemplate(ctx, access.TemplateID(s.Name))
		switch {
		case errors.Is(err, access.ErrTemplateNotFound):
			missing = append(missing, s)
		case err != nil:
			return 0, fmt.Errorf("look up template %q: %w", s.Name, err)
		}
	}
	return Apply(ctx, store, missing)
}
