// Package sieve implements the Sieve evaluation surface of spec §4.G: it
// consumes a pre-parsed instruction tree and an environment describing one
// message, and produces an ordered, compatibility-checked action list.
// Sieve grammar parsing itself is an explicit non-goal (spec §1) — callers
// hand this package an already-built Program.
package sieve

import "github.com/cyrusgo/cyrusgo/internal/logctx"

// Environment supplies the message metadata a Test or Action needs,
// mirroring the callback registration `sieve_interp_alloc` performs in
// original_source/sieve/sieve.c (DESIGN NOTES §9: "a message sink").
type Environment interface {
	Header(name string) []string
	Size() int
	EnvelopeFrom() string
	EnvelopeTo() string
	RecipientIndex() int
	// Capabilities reports the extensions this environment supports,
	// supplementing the grammar-level surface with a runtime accessor
	// (SPEC_FULL.md §4.G).
	Capabilities() []string
}

// Test is one boolean test node of the pre-parsed instruction tree. Eval
// may fail (a malformed comparator argument, an unsupported capability);
// a failing test is treated as false and reported via the evaluator's
// error handler rather than aborting the script (spec §4.G: "execute_error
// ... log without aborting delivery").
type Test interface {
	Eval(env Environment) (bool, error)
}

// TestFunc adapts a plain function to the Test interface.
type TestFunc func(env Environment) (bool, error)

func (f TestFunc) Eval(env Environment) (bool, error) { return f(env) }

// True and False are the two constant tests every grammar needs for a
// bare "else" branch or a disabled rule.
var (
	True  Test = TestFunc(func(Environment) (bool, error) { return true, nil })
	False Test = TestFunc(func(Environment) (bool, error) { return false, nil })
)

// Not negates a test.
type Not struct{ Test Test }

func (n Not) Eval(env Environment) (bool, error) {
	ok, err := n.Test.Eval(env)
	return !ok, err
}

// AllOf is true iff every child test is true (first error short-circuits).
type AllOf struct{ Tests []Test }

func (a AllOf) Eval(env Environment) (bool, error) {
	for _, t := range a.Tests {
		ok, err := t.Eval(env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// AnyOf is true iff at least one child test is true.
type AnyOf struct{ Tests []Test }

func (a AnyOf) Eval(env Environment) (bool, error) {
	for _, t := range a.Tests {
		ok, err := t.Eval(env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Action is one delivery action. Concrete actions are defined in
// actions.go.
type Action interface {
	isAction()
}

// Instruction is one statement in the pre-parsed program: either a bare
// action or a conditional.
type Instruction interface {
	isInstruction()
}

// ActionStmt directly performs an action, unconditionally within its
// containing block.
type ActionStmt struct {
	Action Action
}

func (ActionStmt) isInstruction() {}

// Branch is one "if"/"elsif" arm: a test and the instructions to run when
// it passes.
type Branch struct {
	Test Test
	Body []Instruction
}

// IfStmt is an if/elsif.../else chain (spec §4.G: "when an if/elsif/else
// test passes, descend into that branch and skip siblings").
type IfStmt struct {
	Branches []Branch      // tried in order; first passing branch wins
	Else     []Instruction // run if no Branch test passed
	Line     int           // source line, for error reporting only
}

func (IfStmt) isInstruction() {}

// Program is a pre-parsed Sieve script: a flat top-level instruction list.
type Program struct {
	Instructions []Instruction
}

// ErrorHandler receives a line number and context string for a runtime
// test-evaluation failure (spec §4.G's execute_error). It never aborts
// evaluation; returning is purely for logging/telemetry.
type ErrorHandler func(line int, context string, err error)

// Evaluate runs prog against env, returning the ordered, compatibility
// checked action list. On an action-compatibility conflict it returns a
// non-nil error and a nil action list; the caller (the delivery pipeline,
// spec §4.G) is responsible for the fallback Keep-into-INBOX.
func Evaluate(prog Program, env Environment, onError ErrorHandler) ([]Action, error) {
	if onError == nil {
		onError = func(int, string, error) {}
	}
	e := &evaluator{env: env, onError: onError}
	e.run(prog.Instructions)
	actions, err := checkCompatibility(e.actions)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

type evaluator struct {
	env     Environment
	onError ErrorHandler
	actions []Action
}

func (e *evaluator) run(instrs []Instruction) {
	for _, instr := range instrs {
		switch v := instr.(type) {
		case ActionStmt:
			e.actions = append(e.actions, v.Action)
		case IfStmt:
			e.runIf(v)
		}
	}
}

func (e *evaluator) runIf(stmt IfStmt) {
	for _, b := range stmt.Branches {
		ok, err := b.Test.Eval(e.env)
		if err != nil {
			e.onError(stmt.Line, "if test", err)
			continue
		}
		if ok {
			e.run(b.Body)
			return
		}
	}
	e.run(stmt.Else)
}

// LoggingErrorHandler is a convenience default logger-backed ErrorHandler, matching the
// ambient logctx.Logger convention used across the rest of the repo.
func LoggingErrorHandler(log logctx.Logger) ErrorHandler {
	return func(line int, context string, err error) {
		log.Error("sieve evaluation error", err, "line", line, "context", context)
	}
}
