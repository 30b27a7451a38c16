package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// ruleFile is the document shape of a rule file: either a bare list of
// rules or an object with a "rules" key.
type ruleFile struct {
	Rules []*types.Rule `json:"rules" yaml:"rules"`
}

// ParseRules decodes rules from YAML or JSON. format is "yaml", "yml" or
// "json"; an empty format sniffs the first non-space byte.
func ParseRules(data []byte, format string) ([]*types.Rule, error) {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			format = "json"
		} else {
			format = "yaml"
		}
	}

	switch format {
	case "json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var list []*types.Rule
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, fmt.Errorf("invalid rule list: %w", err)
			}
			return list, nil
		}
		var doc ruleFile
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("invalid rule document: %w", err)
		}
		return doc.Rules, nil

	case "yaml", "yml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("invalid rule document: %w", err)
		}
		if len(node.Content) == 0 {
			return nil, nil
		}
		root := node.Content[0]
		if root.Kind == yaml.SequenceNode {
			var list []*types.Rule
			if err := root.Decode(&list); err != nil {
				return nil, fmt.Errorf("invalid rule list: %w", err)
			}
			return list, nil
		}
		var doc ruleFile
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid rule document: %w", err)
		}
		return doc.Rules, nil

	default:
		return nil, fmt.Errorf("unsupported rule file format: %q", format)
	}
}

// LoadFile reads rules from a .yaml, .yml or .json file.
func LoadFile(path string) ([]*types.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := ParseRules(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// LoadDir reads every rule file directly under dir in lexical order.
func LoadDir(dir string) ([]*types.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []*types.Rule
	for _, name := range names {
		rules, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, rules...)
	}
	return out, nil
}

func isRuleFile(e fs.DirEntry) bool {
	switch strings.ToLower(filepath.Ext(e.Name())) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
