package transform

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// specHeader is decoded first to learn which concrete spec type a catalog
// entry declares.
type specHeader struct {
	Kind string `yaml:"kind"`
}

// ParseCatalogSpecs decodes catalog data into specs without compiling
// them. The data is a YAML (or JSON) document holding either a single
// spec mapping or a list of them; each entry carries a kind of "group"
// or "indicator".
func ParseCatalogSpecs(data []byte) ([]Spec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, configErrorf("", "invalid catalog document: %v", err)
	}
	if len(root.Content) == 0 {
		return nil, configErrorf("", "empty catalog document")
	}

	doc := root.Content[0]
	var nodes []*yaml.Node
	switch doc.Kind {
	case yaml.SequenceNode:
		nodes = doc.Content
	case yaml.MappingNode:
		nodes = []*yaml.Node{doc}
	default:
		return nil, configErrorf("", "catalog document must be a mapping or a list of mappings")
	}

	specs := make([]Spec, 0, len(nodes))
	for i, node := range nodes {
		spec, err := decodeSpec(node)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i+1, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func decodeSpec(node *yaml.Node) (Spec, error) {
	var header specHeader
	if err := node.Decode(&header); err != nil {
		return nil, configErrorf("kind", "invalid spec entry: %v", err)
	}

	switch Kind(strings.ToLower(header.Kind)) {
	case KindGroup:
		spec := &GroupSpec{}
		if err := node.Decode(spec); err != nil {
			return nil, configErrorf("", "invalid group spec: %v", err)
		}
		return spec, nil
	case KindIndicator:
		spec := &IndicatorSpec{}
		if err := node.Decode(spec); err != nil {
			return nil, configErrorf("", "invalid indicator spec: %v", err)
		}
		return spec, nil
	case "":
		return nil, configErrorf("kind", "spec entry is missing a kind")
	default:
		return nil, configErrorf("kind", "unknown spec kind %q", header.Kind)
	}
}

// ParseCatalog decodes and compiles a catalog from YAML or JSON data.
func ParseCatalog(data []byte) (*Catalog, error) {
	specs, err := ParseCatalogSpecs(data)
	if err != nil {
		return nil, err
	}
	return NewCatalog(specs...)
}

// LoadCatalogFile loads and compiles a catalog from a single file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return catalog, nil
}

// LoadCatalogDir loads every .yaml, .yml and .json file in dir, in
// lexical order, and compiles the combined specs into one catalog.
func LoadCatalogDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, configErrorf("", "no catalog files found in %s", dir)
	}

	var specs []Spec
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		fileSpecs, err := ParseCatalogSpecs(data)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		specs = append(specs, fileSpecs...)
	}
	return NewCatalog(specs...)
}
