// Package validation checks A2A messages against global rules and per-task
// schemas. Every rule is evaluated and every violation reported.
package validation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/agentland/a2a-gateway/internal/core"
)

// DefaultMaxMessageSize is 1 MiB.
const DefaultMaxMessageSize = 1024 * 1024

var shellMetachars = regexp.MustCompile("[;&|`$(){}\\[\\]<>\\\\]")

// GlobalRule applies to every message regardless of task.
type GlobalRule interface {
	Validate(msg *core.Message) []string
}

// RuleFunc adapts a predicate into a GlobalRule with a fixed message.
type RuleFunc struct {
	Name    string
	Check   func(msg *core.Message) bool
	Message string
}

func (r RuleFunc) Validate(msg *core.Message) []string {
	if r.Check(msg) {
		return nil
	}
	return []string{r.Message}
}

// Result lists every violation found.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validator holds the global rules and the task schema registry.
type Validator struct {
	mu      sync.RWMutex
	global  []GlobalRule
	schemas map[string]TaskSchema
}

// NewValidator installs the default global rules. maxSize <= 0 uses 1 MiB.
func NewValidator(maxSize int) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	v := &Validator{schemas: make(map[string]TaskSchema)}
	v.global = defaultGlobalRules(maxSize)
	slog.Debug("[MessageValidator] default validation rules initialized", "rules", len(v.global))
	return v
}

func defaultGlobalRules(maxSize int) []GlobalRule {
	nonEmpty := func(name string, get func(*core.Message) string) GlobalRule {
		return RuleFunc{
			Name:    name,
			Check:   func(m *core.Message) bool { return get(m) != "" },
			Message: fmt.Sprintf("Field %q must be a non-empty string", name),
		}
	}
	clean := func(name string, get func(*core.Message) string) GlobalRule {
		return RuleFunc{
			Name:    name + "-charset",
			Check:   func(m *core.Message) bool { return !shellMetachars.MatchString(get(m)) },
			Message: fmt.Sprintf("Field %q contains invalid characters", name),
		}
	}
	to := func(m *core.Message) string { return m.To }
	from := func(m *core.Message) string { return m.From }
	task := func(m *core.Message) string { return m.Task }

	return []GlobalRule{
		nonEmpty("to", to),
		nonEmpty("from", from),
		nonEmpty("task", task),
		RuleFunc{
			Name:    "params-object",
			Check:   func(m *core.Message) bool { return m.Params != nil },
			Message: `Field "params" must be an object`,
		},
		clean("task", task),
		clean("to", to),
		clean("from", from),
		RuleFunc{
			Name:    "params-json",
			Check:   paramsRoundTrip,
			Message: `Field "params" contains invalid JSON`,
		},
		RuleFunc{
			Name: "size",
			Check: func(m *core.Message) bool {
				n, err := m.Size()
				// unserializable params are reported by params-json
				return err != nil || n <= maxSize
			},
			Message: fmt.Sprintf("Message exceeds maximum size of %s", humanSize(maxSize)),
		},
	}
}

func paramsRoundTrip(m *core.Message) bool {
	data, err := json.Marshal(m.Params)
	if err != nil {
		return false
	}
	var back map[string]interface{}
	return json.Unmarshal(data, &back) == nil
}

func humanSize(n int) string {
	if n%(1024*1024) == 0 {
		return fmt.Sprintf("%d MB", n/(1024*1024))
	}
	return fmt.Sprintf("%d bytes", n)
}

// AddGlobalRule appends a rule evaluated for every message.
func (v *Validator) AddGlobalRule(r GlobalRule) {
	v.mu.Lock()
	v.global = append(v.global, r)
	v.mu.Unlock()
}

// AddTaskSchema sets the schema for task, replacing any previous one.
func (v *Validator) AddTaskSchema(task string, s TaskSchema) {
	v.mu.Lock()
	v.schemas[task] = s
	v.mu.Unlock()
	slog.Info("[MessageValidator] schema added", "task", task)
}

// AddTaskRules appends fields to the task's field-tree schema, creating it if
// needed. A custom TaskSchema already registered for task is kept and the new
// fields are checked after it.
func (v *Validator) AddTaskRules(task string, fields ...Field) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch s := v.schemas[task].(type) {
	case nil:
		v.schemas[task] = &Schema{Fields: fields}
	case *Schema:
		merged := append(append([]Field(nil), s.Fields...), fields...)
		v.schemas[task] = &Schema{Fields: merged}
	default:
		v.schemas[task] = chain{s, &Schema{Fields: fields}}
	}
}

// HasSchema reports whether task has a registered schema.
func (v *Validator) HasSchema(task string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[task]
	return ok
}

// Validate runs all global rules, then the task schema if one exists.
func (v *Validator) Validate(msg *core.Message) Result {
	v.mu.RLock()
	global := v.global
	schema := v.schemas[msg.Task]
	v.mu.RUnlock()

	var errs []string
	for _, r := range global {
		errs = append(errs, r.Validate(msg)...)
	}
	if schema != nil {
		doc, params := document(msg)
		errs = append(errs, schema.Validate(doc, params)...)
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// document converts msg to its generic JSON form so schema checks see exactly
// what a remote sender would have sent.
func document(msg *core.Message) (map[string]interface{}, map[string]interface{}) {
	doc := map[string]interface{}{}
	data, err := json.Marshal(msg)
	if err == nil {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		doc = map[string]interface{}{"to": msg.To, "from": msg.From, "task": msg.Task}
		if msg.Params != nil {
			doc["params"] = msg.Params
		}
	}
	params, _ := doc["params"].(map[string]interface{})
	return doc, params
}

type chain []TaskSchema

func (c chain) Validate(doc, params map[string]interface{}) []string {
	var errs []string
	for _, s := range c {
		errs = append(errs, s.Validate(doc, params)...)
	}
	return errs
}
