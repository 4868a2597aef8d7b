package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/chatty/internal/sandbox"
)

type executeCodeArgs struct {
	Code string `json:"code" jsonschema:"Starlark (Python dialect) source to run. Variables persist between calls in this conversation. The value of a final bare expression is returned as result."`
}

type noArgs struct{}

// RegisterSandboxTools adds execute_code, sandbox_reset and
// sandbox_inspect backed by sb.
func RegisterSandboxTools(r *Registry, sb *sandbox.Sandbox) error {
	desc := "Run a short program in a private interpreter for calculations, data reshaping or string work. " +
		"Python-like syntax (Starlark): no classes, no exceptions, no file or network access. " +
		"Importable modules: " + strings.Join(sb.AllowedModules(), ", ") + ". " +
		"Use print() for output; the last expression's value is returned."

	if err := Add(r, "execute_code", desc, func(ctx context.Context, env Env, a executeCodeArgs) (string, error) {
		return executeCode(ctx, sb, env.SessionID, a.Code)
	}); err != nil {
		return err
	}

	if err := Add(r, "sandbox_reset", "Discard every variable and function defined with execute_code in this conversation.",
		func(_ context.Context, env Env, _ noArgs) (string, error) {
			if sb.Drop(env.SessionID) {
				return "Interpreter state cleared.", nil
			}
			return "Interpreter state was already empty.", nil
		}); err != nil {
		return err
	}

	err := Add(r, "sandbox_inspect", "List the variables currently defined in this conversation's interpreter.",
		func(ctx context.Context, env Env, _ noArgs) (string, error) {
			bindings, err := sb.Inspect(ctx, env.SessionID)
			if err != nil {
				return "", err
			}
			if len(bindings) == 0 {
				return "No variables defined.", nil
			}
			var out strings.Builder
			for _, b := range bindings {
				fmt.Fprintf(&out, "%s (%s) = %s\n", b.Name, b.Type, b.Value)
			}
			return out.String(), nil
		})
	if err != nil {
		return err
	}
	r.MarkSerial("execute_code", "sandbox_reset", "sandbox_inspect")
	return nil
}

// executeCode maps a sandbox outcome onto the tool contract. Policy
// refusals and timeouts are tool errors; ordinary program errors
// (syntax, undefined names, runtime failures) are a successful call
// whose payload describes the error, so the model can fix its code.
func executeCode(ctx context.Context, sb *sandbox.Sandbox, sessionID, code string) (string, error) {
	out, err := sb.Execute(ctx, sessionID, code)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", Hard(fmt.Errorf("sandbox: %w", err))
	}

	if out.Error != nil {
		switch out.Error.Kind {
		case sandbox.ErrPolicy:
			return "", Errorf(PolicyViolation, "%s", out.Error.Message)
		case sandbox.ErrTimeout:
			return "", Errorf(ExecutionTimeout, "%s", out.Error.Message)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode outcome: %w", err)
	}
	return string(data), nil
}
