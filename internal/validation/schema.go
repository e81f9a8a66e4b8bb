package validation

import "strings"

// Field checks the value at a dotted path of the serialized message. Nested
// fields are checked one level below the field and no deeper.
type Field struct {
	Path   string
	Rules  []Rule
	Nested []Field
}

// TaskSchema validates a message already reduced to its JSON document form.
type TaskSchema interface {
	Validate(doc, params map[string]interface{}) []string
}

// Schema is the field-tree TaskSchema.
type Schema struct {
	Fields []Field
}

func (s *Schema) Validate(doc, params map[string]interface{}) []string {
	var errs []string
	for _, f := range s.Fields {
		value, present := lookup(doc, f.Path)
		for _, r := range f.Rules {
			if e := r.apply(f.Path, value, present, params); e != "" {
				errs = append(errs, e)
			}
		}

		obj, ok := value.(map[string]interface{})
		if !ok || len(f.Nested) == 0 {
			continue
		}
		for _, nf := range f.Nested {
			nv, np := obj[nf.Path]
			name := f.Path + "." + nf.Path
			for _, r := range nf.Rules {
				if e := r.apply(name, nv, np, params); e != "" {
					errs = append(errs, e)
				}
			}
		}
	}
	return errs
}

// lookup walks a dotted path. present is false when any segment is missing or
// traverses a non-object.
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}
	var cur interface{} = doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
