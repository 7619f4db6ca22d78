package metadata

import (
	"fmt"
	"sort"
)

// Kind selects one of the two metadata documents.
type Kind string

const (
	KindDeployment Kind = "deployment"
	KindMonitor    Kind = "monitor"
)

// File returns the default document name of the kind.
func (k Kind) File() string {
	if k == KindMonitor {
		return MonitorFile
	}
	return DeploymentFile
}

// node is a schema tree: nil marks a leaf, a non-nil map marks a nested
// dictionary whose keys must all be present.
type node map[string]node

var schemas = map[Kind]node{
	KindDeployment: {
		"model_asset":                      nil,
		"model_name":                       nil,
		"deployment_id":                    nil,
		"deployment_space_id":              nil,
		"openscale_subscription_id":        nil,
		"openscale_custom_metric_provider": {},
		"wmla_deployment": {
			"deployment_name":     nil,
			"deployment_url":      nil,
			"dependency_filename": nil,
			"resource_configs":    {},
		},
	},
	KindMonitor: {
		"integrated_system_id": nil,
		"wml_deployment_id":    nil,
	},
}

// ValidationResult lists the problems found in a single entry.
type ValidationResult struct {
	Key      string
	Messages []string
}

func (r ValidationResult) Valid() bool {
	return len(r.Messages) == 0
}

// Validation is the outcome of validating a raw document.
type Validation struct {
	Results []ValidationResult
}

// Valid reports whether every entry is valid.
func (v Validation) Valid() bool {
	return v.ValidCount() == len(v.Results)
}

func (v Validation) ValidCount() int {
	count := 0
	for _, r := range v.Results {
		if r.Valid() {
			count++
		}
	}
	return count
}

func (v Validation) String() string {
	return fmt.Sprintf("%d/%d entries are valid", v.ValidCount(), len(v.Results))
}

// Validate checks a decoded YAML document against the schema of kind.
// With withKey the document maps keys to entries; without it the document
// is a single bare entry.
func Validate(kind Kind, doc map[string]any, withKey bool) Validation {
	schema := schemas[kind]

	if !withKey {
		return Validation{Results: []ValidationResult{{Messages: validateNode(doc, schema, "")}}}
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var v Validation
	for _, k := range keys {
		v.Results = append(v.Results, ValidationResult{Key: k, Messages: validateNode(doc[k], schema, "")})
	}
	return v
}

func validateNode(value any, schema node, path string) []string {
	d, ok := value.(map[string]any)
	if !ok {
		return []string{fmt.Sprintf("%s is not a dictionary", displayPath(path))}
	}

	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var msgs []string
	for _, k := range keys {
		child, exists := d[k]
		switch {
		case !exists:
			msgs = append(msgs, fmt.Sprintf("%s.%s cannot be found", path, k))
		case schema[k] != nil:
			msgs = append(msgs, validateNode(child, schema[k], path+"."+k)...)
		}
	}
	return msgs
}

func displayPath(path string) string {
	if path == "" {
		return "entry"
	}
	return path
}
