// Package rules implements CEL-based access rules for linkdoc collections.
//
// A collection may declare one rule expression per operation (create, read,
// update, delete, list, write). Expressions are evaluated against a context
// exposing `request` (auth state, incoming data) and `resource` (the stored
// document).
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// AuthContext represents the authentication state of the request
type AuthContext struct {
	UID     string                 `json:"uid"`
	Claims  map[string]interface{} `json:"claims"`
	IsAdmin bool                   `json:"-"` // Internal flag, bypasses rule evaluation
}

// Engine handles compilation and evaluation of CEL rule expressions.
// Compiled programs are cached per expression.
type Engine struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewEngine creates a rules engine with the standard environment.
// Variables available to expressions:
//   - request: { auth: { uid: string, claims: map }, resource: { data: map } }
//   - resource: { data: map }
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("request", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}

	return &Engine{env: env}, nil
}

// Evaluate evaluates a rule expression against a context.
// An empty expression denies.
func (e *Engine) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return false, nil
	}
	if expression == "true" {
		return true, nil
	}
	if expression == "false" {
		return false, nil
	}

	var prg cel.Program
	if val, ok := e.prgCache.Load(expression); ok {
		prg = val.(cel.Program)
	} else {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("compile error: %s", issues.Err())
		}

		p, err := e.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("program construction error: %s", err)
		}
		prg = p
		e.prgCache.Store(expression, prg)
	}

	out, _, err := prg.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval error: %s", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule must return boolean")
	}

	return result, nil
}

// Context builds the evaluation context for a rule check.
// resource is the stored document (may be nil); requestData is the incoming
// document for writes (may be nil).
func Context(auth *AuthContext, resource map[string]interface{}, requestData map[string]interface{}) map[string]interface{} {
	reqData := map[string]interface{}{
		"auth":     nil, // Unauthenticated
		"resource": map[string]interface{}{"data": requestData},
	}
	if auth != nil {
		reqData["auth"] = map[string]interface{}{
			"uid":    auth.UID,
			"claims": auth.Claims,
		}
	}

	return map[string]interface{}{
		"request":  reqData,
		"resource": map[string]interface{}{"data": resource},
	}
}
