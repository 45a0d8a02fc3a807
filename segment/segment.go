// Package segment folds an ordered sequence of parsed function calls
// into logical records. One record is several calls terminated by the
// schema's terminal field; a new occurrence of a group-starting field
// before the terminal was seen also opens a new record.
package segment

import (
	"fmt"

	"github.com/sundae-labs/layerline/callgram"
)

type FieldKind string

const (
	// FieldMulti accumulates a sequence of strings across repeated calls.
	FieldMulti FieldKind = "multi"
	// FieldNumber holds a single numeric value.
	FieldNumber FieldKind = "number"
	// FieldText holds a single string value.
	FieldText FieldKind = "text"
)

type FieldSpec struct {
	Kind FieldKind
	// StartsGroup marks a field whose reappearance on an already
	// populated record opens a new record.
	StartsGroup bool
	// Terminal marks the field whose presence closes the current record.
	Terminal bool
}

// Schema maps call names to field behavior. Calls whose name is not in
// the schema are left to the caller and never folded.
type Schema struct {
	Fields map[string]FieldSpec
}

// Validate checks the schema invariants: at least one field and exactly
// one terminal field.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	terminals := 0
	for name, spec := range s.Fields {
		switch spec.Kind {
		case FieldMulti, FieldNumber, FieldText:
		default:
			return fmt.Errorf("field %q has unknown kind %q", name, spec.Kind)
		}
		if spec.Terminal {
			terminals++
		}
	}
	if terminals != 1 {
		return fmt.Errorf("schema requires exactly one terminal field, found %d", terminals)
	}
	return nil
}

// Record is one logical entity assembled from one or more calls.
// Complete is false when input ended before a terminal field was seen;
// such records are still returned so callers can decide to discard.
type Record struct {
	Multi    map[string][]string
	Numbers  map[string]float64
	Texts    map[string]string
	Complete bool
}

func newRecord() Record {
	return Record{
		Multi:   map[string][]string{},
		Numbers: map[string]float64{},
		Texts:   map[string]string{},
	}
}

func (r Record) empty() bool {
	return len(r.Multi) == 0 && len(r.Numbers) == 0 && len(r.Texts) == 0
}

func (r Record) has(name string) bool {
	if _, ok := r.Multi[name]; ok {
		return true
	}
	if _, ok := r.Numbers[name]; ok {
		return true
	}
	_, ok := r.Texts[name]
	return ok
}

// Fold applies the segmentation rules to an ordered call sequence and
// returns the records in order. A populated field is never dropped
// silently; only an entirely empty trailing record is discarded.
func Fold(schema Schema, calls []callgram.FunctionCall) ([]Record, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	var out []Record
	current := newRecord()

	for _, call := range calls {
		spec, ok := schema.Fields[call.Name]
		if !ok {
			continue
		}

		if spec.StartsGroup && current.has(call.Name) {
			out = append(out, current)
			current = newRecord()
		}

		applyCall(&current, call, spec)

		if spec.Terminal {
			current.Complete = true
			out = append(out, current)
			current = newRecord()
		}
	}

	if !current.empty() {
		out = append(out, current)
	}
	return out, nil
}

func applyCall(r *Record, call callgram.FunctionCall, spec FieldSpec) {
	switch spec.Kind {
	case FieldMulti:
		for _, arg := range call.Args {
			r.Multi[call.Name] = append(r.Multi[call.Name], argText(arg))
		}
	case FieldNumber:
		if len(call.Args) == 0 {
			return
		}
		if call.Args[0].Kind == callgram.ArgNumber {
			r.Numbers[call.Name] = call.Args[0].Num
			return
		}
		// A non-numeric argument to a numeric field is preserved as
		// text rather than dropped.
		r.Texts[call.Name] = argText(call.Args[0])
	case FieldText:
		if len(call.Args) > 0 {
			r.Texts[call.Name] = argText(call.Args[0])
		}
	}
}

func argText(arg callgram.Arg) string {
	if arg.Kind == callgram.ArgNumber {
		return fmt.Sprintf("%g", arg.Num)
	}
	return arg.Str
}
