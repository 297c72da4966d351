// Package expression evaluates edge conditions and node expressions.
// It is a thin layer over expr-lang: a preprocessor normalizes the
// source (hyphenated node ids, bare equality, reserved identifiers), the
// evaluation context supplies the outputs/variables/inputs/nodeStates
// namespaces, and missing outputs default to an empty raw value so a
// reference to a node that has not run yet never explodes.
//
// Evaluation is pure: no I/O, no mutation of the context.
package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
)

// Context is the value environment for one evaluation.
type Context struct {
	Outputs    map[string]any // node id -> output value
	Variables  map[string]any
	Inputs     map[string]any
	NodeStates map[string]any

	// Loop context, set only while executing foreach bodies.
	Index int
	Item  any
	Total int

	// LoopCount is the completed iteration count of the governing loop
	// edge, bound while evaluating a loop node's condition.
	LoopCount int
}

// Evaluate runs the expression and returns its value. A syntax error or
// a runtime error is returned as an Internal fault; boolean call sites
// that want false-on-error use EvaluateBool instead.
func Evaluate(src string, ctx Context) (any, error) {
	program, err := expr.Compile(preprocess(src), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "compiling expression %q", src)
	}
	out, err := expr.Run(program, buildEnv(src, ctx))
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "evaluating expression %q", src)
	}
	return out, nil
}

// EvaluateBool runs the expression in a boolean context. Failures are
// logged and collapse to false; an empty expression is true (an
// unconditioned edge is always satisfied).
func EvaluateBool(src string, ctx Context) bool {
	if strings.TrimSpace(src) == "" {
		return true
	}
	out, err := Evaluate(src, ctx)
	if err != nil {
		log.Warn(log.CatExec, "Expression failed, treating as false", "expr", src, "error", err)
		return false
	}
	return Truthy(out)
}

// Truthy converts an expression result to a boolean: nil and zero values
// are false, everything else true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

var (
	// outputs['verify-consistency'] and nodeStates["x"] bracket forms.
	bracketRe = regexp.MustCompile(`\b(outputs|nodeStates)\[['"]([^'"]+)['"]\]`)
	// Hyphenated ids in dotted access, which would otherwise parse as
	// subtraction.
	hyphenRe = regexp.MustCompile(`\b(outputs|nodeStates)\.([A-Za-z_][A-Za-z0-9_]*(?:-[A-Za-z0-9_]+)+)`)
	// Bare = equality, excluding ==, !=, <=, >=.
	bareEqRe = regexp.MustCompile(`([^=!<>])=([^=])`)
	// Reserved words used as member names after a namespace.
	reservedRe = regexp.MustCompile(`\b(outputs|variables|inputs|nodeStates)\.(and|or|not|in|let|if|else|nil|true|false)\b`)
	// References like outputs.some_node, for defaulting.
	outputRefRe = regexp.MustCompile(`\boutputs\.([A-Za-z_][A-Za-z0-9_]*)`)
)

// preprocess normalizes the source before compilation.
func preprocess(src string) string {
	src = bracketRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := bracketRe.FindStringSubmatch(m)
		return sub[1] + "." + Sanitize(sub[2])
	})
	src = hyphenRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := hyphenRe.FindStringSubmatch(m)
		return sub[1] + "." + Sanitize(sub[2])
	})
	src = bareEqRe.ReplaceAllString(src, "$1==$2")
	src = reservedRe.ReplaceAllString(src, `$1["$2"]`)
	return src
}

// Sanitize maps a node id to its identifier form: hyphens become
// underscores.
func Sanitize(id string) string {
	return strings.ReplaceAll(id, "-", "_")
}

// buildEnv assembles the expr environment. Namespace keys are sanitized
// the same way the preprocessor sanitizes references, and every output
// reference in the source gets a default so member access never lands on
// nil.
func buildEnv(src string, ctx Context) map[string]any {
	outputs := sanitizeKeys(ctx.Outputs)
	for _, m := range outputRefRe.FindAllStringSubmatch(preprocess(src), -1) {
		if _, ok := outputs[m[1]]; !ok {
			outputs[m[1]] = map[string]any{"_raw": ""}
		}
	}

	env := map[string]any{
		"outputs":    outputs,
		"variables":  orEmpty(ctx.Variables),
		"inputs":     orEmpty(ctx.Inputs),
		"nodeStates": sanitizeKeys(ctx.NodeStates),
		"index":      ctx.Index,
		"item":       ctx.Item,
		"total":      ctx.Total,
		"loopCount":  ctx.LoopCount,
	}
	for name, fn := range builtins {
		env[name] = fn
	}
	return env
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sanitizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[Sanitize(k)] = v
	}
	return out
}

// builtins supplement the functions expr ships with (len, abs, floor,
// ceil, round, min, max, upper, lower come from expr itself).
var builtins = map[string]any{
	"has": func(m map[string]any, key string) bool {
		_, ok := m[key]
		return ok
	},
	"get": func(m map[string]any, key string, fallback any) any {
		if v, ok := m[key]; ok {
			return v
		}
		return fallback
	},
	"str": func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	},
	"num": func(v any) float64 {
		switch x := v.(type) {
		case float64:
			return x
		case int:
			return float64(x)
		case int64:
			return float64(x)
		case bool:
			if x {
				return 1
			}
			return 0
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return 0
			}
			return f
		default:
			return 0
		}
	},
	"bool": func(v any) bool { return Truthy(v) },
	"now": func() int64 {
		return time.Now().UnixMilli()
	},
	"includes": func(s, substr string) bool {
		return strings.Contains(s, substr)
	},
	"startsWith": func(s, prefix string) bool {
		return strings.HasPrefix(s, prefix)
	},
}
