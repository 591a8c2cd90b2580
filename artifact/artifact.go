// Package artifact defines the declarative description of a publishable
// artifact and loads it from YAML.
package artifact

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const DefaultArtifactType = "application/vnd.unknown.artifact.v1"

// Layer is one blob of an artifact: a path (file, directory or glob) and its
// media type.
type Layer struct {
	Path      string
	MediaType string
}

// Annotation is one manifest annotation.
type Annotation struct {
	Key   string
	Value string
}

// Spec is an artifact declaration. Layers and annotations keep the order in
// which they were declared.
type Spec struct {
	Name         string
	Repository   string
	ArtifactType string
	Layers       []Layer
	Annotations  []Annotation
	Dependencies []string
}

// Validate checks required fields and applies defaults. An empty layer list
// is left to the layer resolver, which rejects it.
func (s *Spec) Validate() error {
	if s.Repository == "" {
		return fmt.Errorf("artifact %q: repository is required", s.Name)
	}
	if s.Name == "" {
		s.Name = s.Repository
	}
	if s.ArtifactType == "" {
		s.ArtifactType = DefaultArtifactType
	}
	seen := make(map[string]bool, len(s.Layers))
	for _, l := range s.Layers {
		if l.Path == "" {
			return fmt.Errorf("artifact %q: layer with empty path", s.Name)
		}
		if seen[l.Path] {
			return fmt.Errorf("artifact %q: duplicate layer %q", s.Name, l.Path)
		}
		seen[l.Path] = true
	}
	keys := make(map[string]bool, len(s.Annotations))
	for _, a := range s.Annotations {
		if keys[a.Key] {
			return fmt.Errorf("artifact %q: duplicate annotation %q", s.Name, a.Key)
		}
		keys[a.Key] = true
	}
	return nil
}

// File is the top-level document of an artifact file.
type File struct {
	Artifacts []Spec `yaml:"artifacts"`
}

type specDoc struct {
	Name         string     `yaml:"name"`
	Repository   string     `yaml:"repository"`
	ArtifactType string     `yaml:"artifact_type"`
	Layers       orderedMap `yaml:"layers"`
	Annotations  orderedMap `yaml:"annotations"`
	Dependencies []string   `yaml:"dependencies"`
}

// UnmarshalYAML decodes a spec, preserving mapping order.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	var doc specDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	*s = Spec{
		Name:         doc.Name,
		Repository:   doc.Repository,
		ArtifactType: doc.ArtifactType,
		Dependencies: doc.Dependencies,
	}
	for _, kv := range doc.Layers {
		s.Layers = append(s.Layers, Layer{Path: kv[0], MediaType: kv[1]})
	}
	for _, kv := range doc.Annotations {
		s.Annotations = append(s.Annotations, Annotation{Key: kv[0], Value: kv[1]})
	}
	return nil
}

// orderedMap is a string to string YAML mapping decoded in document order.
type orderedMap [][2]string

func (m *orderedMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	out := make(orderedMap, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var k, v string
		if err := node.Content[i].Decode(&k); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&v); err != nil {
			return err
		}
		out = append(out, [2]string{k, v})
	}
	*m = out
	return nil
}

// Parse decodes and validates an artifact file. An artifact that fails
// validation is dropped and its error collected; the valid ones are still
// returned alongside the error.
func Parse(data []byte) ([]Spec, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Artifacts) == 0 {
		return nil, errors.New("no artifacts declared")
	}
	var (
		valid  []Spec
		result *multierror.Error
	)
	for i := range f.Artifacts {
		if err := f.Artifacts[i].Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("artifact %d: %w", i+1, err))
			continue
		}
		valid = append(valid, f.Artifacts[i])
	}
	return valid, result.ErrorOrNil()
}

// Load reads and parses the artifact file at path. Like Parse, it may return
// valid specs together with an error.
func Load(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	specs, err := Parse(data)
	if err != nil {
		return specs, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return specs, nil
}
