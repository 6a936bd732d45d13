// Package taxonomy describes the modality classifier hierarchy: every
// classifier owns a dotted label prefix, and its depth decides how far a
// ground-truth label is truncated before it is used for training.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTaxonomy []byte

// Classifier is one node of the modality tree.
type Classifier struct {
	Name string
	// Prefix is the dotted label prefix, e.g. "mic.ele.". Empty for the root
	// classifier, which matches every label.
	Prefix string
	// Depth is the number of label segments the classifier predicts.
	Depth int
}

// IsRoot reports whether the classifier sits at the top of the tree.
func (c Classifier) IsRoot() bool {
	return c.Prefix == ""
}

// Matches reports whether a ground-truth label belongs to the classifier.
func (c Classifier) Matches(label string) bool {
	if c.IsRoot() {
		return true
	}
	return strings.HasPrefix(label, c.Prefix)
}

// Truncate keeps only the first Depth dot-separated segments of label.
func (c Classifier) Truncate(label string) string {
	return TruncateLabel(label, c.Depth)
}

// TruncateLabel keeps the first depth segments of a dotted label.
func TruncateLabel(label string, depth int) string {
	if depth <= 0 {
		return label
	}
	parts := strings.Split(label, ".")
	if len(parts) <= depth {
		return label
	}
	return strings.Join(parts[:depth], ".")
}

// Taxonomy is the immutable set of known classifiers. It is loaded once at
// startup and shared by reference.
type Taxonomy struct {
	classifiers map[string]Classifier
}

type fileFormat struct {
	Classifiers map[string]struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"classifiers"`
}

// New builds a taxonomy from classifier name to prefix. An empty prefix
// marks a root classifier.
func New(prefixes map[string]string) (*Taxonomy, error) {
	t := &Taxonomy{classifiers: make(map[string]Classifier, len(prefixes))}
	for name, prefix := range prefixes {
		if name == "" {
			return nil, fmt.Errorf("classifier with empty name")
		}
		depth, err := depthOf(prefix)
		if err != nil {
			return nil, fmt.Errorf("classifier %q: %w", name, err)
		}
		t.classifiers[name] = Classifier{Name: name, Prefix: prefix, Depth: depth}
	}
	return t, nil
}

// depthOf returns the number of segments in prefix plus one.
func depthOf(prefix string) (int, error) {
	if prefix == "" {
		return 1, nil
	}
	if !strings.HasSuffix(prefix, ".") {
		return 0, fmt.Errorf("prefix %q must end with '.'", prefix)
	}
	segments := strings.Split(strings.TrimSuffix(prefix, "."), ".")
	for _, s := range segments {
		if s == "" {
			return 0, fmt.Errorf("prefix %q has an empty segment", prefix)
		}
	}
	return len(segments) + 1, nil
}

// Parse reads a taxonomy document.
func Parse(data []byte) (*Taxonomy, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if len(doc.Classifiers) == 0 {
		return nil, fmt.Errorf("parse taxonomy: no classifiers defined")
	}
	prefixes := make(map[string]string, len(doc.Classifiers))
	for name, c := range doc.Classifiers {
		prefixes[name] = c.Prefix
	}
	return New(prefixes)
}

// Load reads a taxonomy file from disk.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in modality taxonomy.
func Default() *Taxonomy {
	t, err := Parse(defaultTaxonomy)
	if err != nil {
		panic(fmt.Sprintf("embedded taxonomy is invalid: %v", err))
	}
	return t
}

// Lookup returns the classifier registered under name.
func (t *Taxonomy) Lookup(name string) (Classifier, bool) {
	c, ok := t.classifiers[name]
	return c, ok
}

// Names returns all classifier names in sorted order.
func (t *Taxonomy) Names() []string {
	names := make([]string, 0, len(t.classifiers))
	for name := range t.classifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
