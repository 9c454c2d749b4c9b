package detect

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/alertforge/watchtower/internal/event"
)

// filterEnv is shared across every compiled filter program: a single
// "event" variable of dynamic map type, since this engine's events are
// arbitrary dotted-field maps rather than a fixed schema. Built once,
// lazily, on first use.
var filterEnv *cel.Env

func getFilterEnv() (*cel.Env, error) {
	if filterEnv != nil {
		return filterEnv, nil
	}
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("detect: failed to create CEL environment: %w", err)
	}
	filterEnv = env
	return env, nil
}

// filterProgram is a compiled, reusable CEL boolean expression evaluated
// against a single dynamic "event" map variable matching this engine's
// generic event.Event shape.
type filterProgram struct {
	program cel.Program
}

// compileFilter parses and type-checks expr once at detector-construction
// time; the expression must produce a boolean.
func compileFilter(expr string) (*filterProgram, error) {
	env, err := getFilterEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter expression must return boolean, got %v", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return &filterProgram{program: program}, nil
}

// Eval runs the compiled filter against e. A non-boolean result or a
// runtime CEL error is reported to the caller rather than silently
// swallowed, since a misbehaving filter should surface as a DataError, not
// a silent pass-or-drop.
func (p *filterProgram) Eval(e event.Event) (bool, error) {
	result, _, err := p.program.Eval(map[string]any{"event": map[string]any(e)})
	if err != nil {
		return false, fmt.Errorf("filter evaluation error: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned non-boolean: %T", result.Value())
	}
	return matched, nil
}
