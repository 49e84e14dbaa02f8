package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rbrinkke/Vault/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const recordSchemaURL = "https://sealvault.dev/schemas/audit-record.json"

// recordSchemaJSON describes one ledger line. Unknown members are allowed so
// newer writers do not break older linters.
const recordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sealvault.dev/schemas/audit-record.json",
  "type": "object",
  "required": ["timestamp", "action", "actor", "credential"],
  "properties": {
    "timestamp": { "type": "string", "format": "date-time" },
    "action": { "type": "string", "minLength": 1 },
    "actor": { "type": "string" },
    "credential": { "type": "string" },
    "metadata_only": { "type": "boolean", "const": true },
    "prev_hash": { "$ref": "#/$defs/sha256" },
    "entry_hash": { "$ref": "#/$defs/sha256" },
    "hash_version": { "type": "integer", "minimum": 1 },
    "reason": { "type": "string" },
    "result": {
      "type": "object",
      "required": ["success"],
      "properties": {
        "success": { "type": "boolean" },
        "error": { "type": "string" }
      }
    },
    "output_mode": { "type": "string", "enum": ["file", "stdout"] },
    "target_path": { "type": "string" },
    "with_key": { "type": "string" },
    "tpm2_pcrs": { "type": "string" },
    "service_context": { "type": "string" },
    "invocation_id": { "type": "string" }
  },
  "dependentRequired": { "hash_version": ["entry_hash"] },
  "$defs": {
    "sha256": { "type": "string", "pattern": "^[0-9a-f]{64}$" }
  }
}`

// Linter validates raw ledger lines against the record schema.
// The schema is compiled once; a Linter is safe for concurrent use.
type Linter struct {
	schema *jsonschema.Schema
}

// NewLinter compiles the embedded record schema.
func NewLinter() (*Linter, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal record schema: %w", err)
	}
	if err := c.AddResource(recordSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add record schema resource: %w", err)
	}
	sch, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &Linter{schema: sch}, nil
}

// CheckLine validates one serialized record. lineNo is used for reporting.
func (lt *Linter) CheckLine(lineNo int, line []byte) *schema.Report {
	report := &schema.Report{}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		report.AddError(lineNo, schema.ErrCodeIntegrity, "invalid JSON: "+err.Error())
		return report
	}

	if err := lt.schema.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			report.AddError(lineNo, schema.ErrCodeIntegrity, err.Error())
			return report
		}
		for _, v := range collectViolations(verr) {
			report.AddError(lineNo, schema.ErrCodeIntegrity, v)
		}
		return report
	}

	if obj, ok := doc.(map[string]any); ok {
		if _, hashed := obj["hash_version"]; !hashed {
			report.AddWarning(lineNo, schema.ErrCodeIntegrity, "legacy record without entry_hash")
		}
	}
	return report
}

// Lint checks every non-blank line of the ledger. Schema problems are
// errors; legacy unhashed records are warnings.
func (l *Ledger) Lint(ctx context.Context, lt *Linter) (*schema.Report, error) {
	report := &schema.Report{}
	err := l.scan(func(lineNo int, line []byte) error {
		report.Merge(lt.CheckLine(lineNo, line))
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.DebugContext(ctx, "audit lint finished",
		"errors", len(report.Errors), "warnings", len(report.Warnings))
	return report, nil
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
