package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// TypedHandler implements a tool whose arguments decode into A.
type TypedHandler[A any] func(ctx context.Context, env Env, args A) (string, error)

// Add registers a tool whose schema is derived from the argument struct
// A: exported fields without omitempty are required and the
// jsonschema tag becomes the field description. Unknown fields in a
// call are tolerated and ignored.
func Add[A any](r *Registry, name, description string, fn TypedHandler[A]) error {
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		return fmt.Errorf("tool %s: derive schema: %w", name, err)
	}
	schema.AdditionalProperties = nil

	return r.Register(name, description, schema, func(ctx context.Context, env Env, raw map[string]any) (string, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return "", Errorf(InvalidArguments, "%v", err)
		}
		return fn(ctx, env, args)
	})
}

// MustAdd is Add for registrations that cannot fail at runtime.
func MustAdd[A any](r *Registry, name, description string, fn TypedHandler[A]) {
	if err := Add(r, name, description, fn); err != nil {
		panic(err)
	}
}

func decodeArgs(raw map[string]any, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
