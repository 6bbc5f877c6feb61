package remotetask

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const submitSchema = `{
  "type": "object",
  "required": ["output"],
  "properties": {
    "request_id": {"type": "string"},
    "output": {
      "type": "object",
      "required": ["task_id"],
      "properties": {
        "task_id": {"type": "string", "minLength": 1},
        "task_status": {"type": "string"}
      }
    }
  }
}`

const statusSchema = `{
  "type": "object",
  "required": ["output"],
  "properties": {
    "request_id": {"type": "string"},
    "output": {
      "type": "object",
      "required": ["task_status"],
      "properties": {
        "task_id": {"type": "string"},
        "task_status": {"enum": ["PENDING", "RUNNING", "SUCCEEDED", "FAILED", "CANCELED", "UNKNOWN"]},
        "results": {"type": "array"},
        "code": {"type": "string"},
        "message": {"type": "string"}
      }
    }
  }
}`

type envelopeSchemas struct {
	submit *jsonschema.Schema
	status *jsonschema.Schema
}

func compileEnvelopeSchemas() (*envelopeSchemas, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", strings.NewReader(submitSchema)); err != nil {
		return nil, fmt.Errorf("add submit schema: %w", err)
	}
	if err := compiler.AddResource("status.json", strings.NewReader(statusSchema)); err != nil {
		return nil, fmt.Errorf("add status schema: %w", err)
	}
	submit, err := compiler.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	status, err := compiler.Compile("status.json")
	if err != nil {
		return nil, fmt.Errorf("compile status schema: %w", err)
	}
	return &envelopeSchemas{submit: submit, status: status}, nil
}

// isAsyncSubmission reports whether payload is an accepted-task envelope.
func (s *envelopeSchemas) isAsyncSubmission(payload []byte) bool {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return false
	}
	return s.submit.Validate(v) == nil
}

func (s *envelopeSchemas) validateStatus(payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("unmarshal status: %w", err)
	}
	if err := s.status.Validate(v); err != nil {
		return fmt.Errorf("status does not match schema: %w", err)
	}
	return nil
}
