package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits defines resource limits for parsing author-supplied YAML.
// Scenario files are uploaded by course authors, so they are treated as
// untrusted input.
type YAMLLimits struct {
	MaxFileSize  int64 // maximum document size in bytes
	MaxDepth     int   // maximum nesting depth
	MaxNodes     int   // maximum number of nodes
	MaxKeyLength int   // maximum key length in bytes
	MaxValueSize int64 // maximum scalar value size in bytes
}

// DefaultYAMLLimits returns limits sized for scenario documents.
// A scenario is a few kilobytes of prose; a megabyte is already generous.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1024 * 1024,
		MaxDepth:     16,
		MaxNodes:     5000,
		MaxKeyLength: 256,
		MaxValueSize: 256 * 1024,
	}
}

// SafeYAMLParser parses YAML while enforcing YAMLLimits.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a parser with the given limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Unmarshal parses YAML data into v after validating structure limits.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML document size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&root); err != nil {
		return fmt.Errorf("YAML parse error: %w", err)
	}

	walker := &yamlWalker{limits: p.limits}
	if err := walker.walk(&root, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

// UnmarshalFromReader parses YAML from r, enforcing the size limit while
// reading.
func (p *SafeYAMLParser) UnmarshalFromReader(r io.Reader, v any) error {
	limited := io.LimitedReader{R: r, N: p.limits.MaxFileSize + 1}

	data, err := io.ReadAll(&limited)
	if err != nil {
		return fmt.Errorf("read YAML: %w", err)
	}
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML input exceeds maximum size %d bytes", p.limits.MaxFileSize)
	}

	return p.Unmarshal(data, v)
}

type yamlWalker struct {
	limits    YAMLLimits
	nodeCount int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}

	w.nodeCount++
	if w.nodeCount > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count %d exceeds maximum %d", w.nodeCount, w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("invalid YAML mapping: odd number of elements")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i]
			value := node.Content[i+1]

			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(key, depth+1); err != nil {
				return err
			}
			if err := w.walk(value, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), w.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		if node.Alias != nil {
			if err := w.walk(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
