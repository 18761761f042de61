package dispatch

import (
	"encoding/json"

	"github.com/rexxfleet/orchestrator/internal/driver"
)

// Result is the uniform outcome of one dispatched command: success,
// operation, a human-readable output line, and on failure an error message
// plus its classified kind. Op-specific fields (container, clones, stdout,
// events, ...) ride along in Fields and are flattened into the same JSON
// object on marshal, matching the result shape in spec.md §6.
type Result struct {
	Success   bool
	Operation string
	Output    string
	Error     string
	ErrorKind string
	Fields    map[string]interface{}
}

func ok(op, output string, fields map[string]interface{}) Result {
	return Result{Success: true, Operation: op, Output: output, Fields: fields}
}

func fail(op string, err error) Result {
	return Result{Success: false, Operation: op, Output: err.Error(), Error: err.Error(), ErrorKind: string(driver.KindOf(err))}
}

// MarshalJSON flattens Fields alongside the fixed result envelope.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["success"] = r.Success
	out["operation"] = r.Operation
	out["output"] = r.Output
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.ErrorKind != "" {
		out["error_kind"] = r.ErrorKind
	}
	return json.Marshal(out)
}
