package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// LaunchSpec describes one background agent run.
type LaunchSpec struct {
	Prompt string `json:"prompt"`
	// TimeoutMinutes caps the run's duration. Zero means the configured
	// default; the configured maximum always applies.
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`
	// Isolate runs the agent in its own git worktree. Nil means the
	// configured default.
	Isolate *bool `json:"isolate,omitempty"`
	// Post-run actions, applied only when the run completes.
	PublishBranch     bool `json:"publish_branch,omitempty"`
	OpenReviewRequest bool `json:"open_review_request,omitempty"`
	LaunchReviewRun   bool `json:"launch_review_run,omitempty"`
	// ReviewOfRunID marks a follow-up review run and names the run it
	// reviews. Review runs never launch further review runs.
	ReviewOfRunID string `json:"review_of_run_id,omitempty"`
}

const launchSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["prompt"],
	"additionalProperties": false,
	"properties": {
		"prompt": {"type": "string", "minLength": 1, "maxLength": 100000},
		"timeout_minutes": {"type": "integer", "minimum": 1, "maximum": 720},
		"isolate": {"type": "boolean"},
		"publish_branch": {"type": "boolean"},
		"open_review_request": {"type": "boolean"},
		"launch_review_run": {"type": "boolean"},
		"review_of_run_id": {"type": "string"}
	}
}`

var launchSchema = mustCompileLaunchSchema()

func mustCompileLaunchSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(launchSchemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("launch schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("launch.json", doc); err != nil {
		panic(fmt.Sprintf("launch schema: %v", err))
	}
	schema, err := compiler.Compile("launch.json")
	if err != nil {
		panic(fmt.Sprintf("launch schema: %v", err))
	}
	return schema
}

// ParseLaunchSpec validates raw JSON against the launch schema and
// decodes it.
func ParseLaunchSpec(raw []byte) (*LaunchSpec, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("launch spec is not valid JSON: %w", err)
	}
	if err := launchSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("launch spec rejected: %w", err)
	}
	var spec LaunchSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode launch spec: %w", err)
	}
	return &spec, nil
}

// encode returns the canonical persisted form of the spec.
func (s *LaunchSpec) encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode launch spec: %w", err)
	}
	return string(data), nil
}
