package plan

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError is one schema violation with its location in the plan
// file, when known.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// Validate checks a plan file against the embedded CUE schema and the
// semantic rules the schema cannot express (duplicate program names).
// An empty slice means the plan is valid.
func Validate(path string) []ValidationError {
	data, err := os.ReadFile(path)
	if err != nil {
		return []ValidationError{{Field: "plan", Message: fmt.Sprintf("failed to read plan file: %v", err)}}
	}

	if errs := validateSchema(path, data); len(errs) > 0 {
		return errs
	}

	// The schema passed, so the strict decode can only fail on semantics.
	if _, err := Load(path); err != nil {
		return []ValidationError{{Field: "plan", Message: err.Error()}}
	}
	return nil
}

// validateSchema unifies the plan document with the #Plan definition and
// collects every violation.
func validateSchema(filename string, data []byte) []ValidationError {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return []ValidationError{{Field: "schema", Message: fmt.Sprintf("internal schema error: %v", err)}}
	}
	def := schema.LookupPath(cue.ParsePath("#Plan"))

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return cueErrors(err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return cueErrors(err)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueErrors(err)
	}
	return nil
}

// cueErrors flattens a CUE error into per-violation entries with paths and
// line numbers.
func cueErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Field:   strings.Join(e.Path(), "."),
			Message: formatCueMessage(e),
		}
		if pos := e.Position(); pos.IsValid() {
			ve.Line = pos.Line()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Field: "plan", Message: err.Error()})
	}
	return out
}

func formatCueMessage(e cueerrors.Error) string {
	format, args := e.Msg()
	return fmt.Sprintf(format, args...)
}
