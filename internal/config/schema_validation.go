package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	sidecarschema "github.com/Paintersrp/sidecar/schema"
)

const schemaResource = "sidecar.v1.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaResource, bytes.NewReader(sidecarschema.SidecarV1Schema)); err != nil {
		return nil, fmt.Errorf("add sidecar schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile sidecar schema: %w", err)
	}
	return schema, nil
})

// SchemaIssue is a single schema violation. Path uses dotted notation, e.g.
// backend.readiness.http.url.
type SchemaIssue struct {
	Path    string
	Message string
}

// SchemaError lists every violation found in a configuration document.
type SchemaError struct {
	Issues []SchemaIssue
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema validation failed:")
	for _, issue := range e.Issues {
		fmt.Fprintf(&b, "\n  - %s: %s", issue.Path, issue.Message)
	}
	return b.String()
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("load sidecar schema: %w", err)
	}

	normalized, err := toJSONValue(doc)
	if err != nil {
		return fmt.Errorf("prepare config for schema validation: %w", err)
	}

	err = schema.Validate(normalized)
	if err == nil {
		return nil
	}
	var vErr *jsonschema.ValidationError
	if !errors.As(err, &vErr) {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return &SchemaError{Issues: collectIssues(vErr)}
}

// toJSONValue round-trips the YAML document through encoding/json so numbers
// and nested maps take the shapes the validator expects.
func toJSONValue(doc map[string]any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// collectIssues flattens the cause tree into its leaves, which carry the
// actionable messages.
func collectIssues(root *jsonschema.ValidationError) []SchemaIssue {
	var issues []SchemaIssue
	seen := map[SchemaIssue]bool{}
	var walk func(*jsonschema.ValidationError)
	walk = func(err *jsonschema.ValidationError) {
		if len(err.Causes) == 0 {
			issue := SchemaIssue{Path: dottedPath(err.InstanceLocation), Message: err.Message}
			if !seen[issue] {
				seen[issue] = true
				issues = append(issues, issue)
			}
			return
		}
		for _, cause := range err.Causes {
			walk(cause)
		}
	}
	walk(root)

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Path < issues[j].Path
	})
	return issues
}

func dottedPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "config"
	}
	var b strings.Builder
	for _, segment := range strings.Split(ptr, "/") {
		segment = strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(segment); err == nil {
			fmt.Fprintf(&b, "[%s]", segment)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(segment)
	}
	return b.String()
}
