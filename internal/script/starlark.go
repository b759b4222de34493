package script

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/model"
)

// resultGlobal is the global a Starlark script assigns its return value to.
const resultGlobal = "result"

// StarlarkRuntime executes Starlark scripts. The input, args and request
// bindings are frozen before execution so a script cannot modify them; the
// output binding is a mutable dict.
type StarlarkRuntime struct {
	timeout  time.Duration
	maxSteps uint64
	logger   *zap.Logger
}

// NewStarlarkRuntime creates a Starlark runtime. A zero timeout or maxSteps
// leaves that limit off.
func NewStarlarkRuntime(timeout time.Duration, maxSteps uint64, logger *zap.Logger) *StarlarkRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StarlarkRuntime{timeout: timeout, maxSteps: maxSteps, logger: logger}
}

// Supports returns true for Starlark scripts.
func (rt *StarlarkRuntime) Supports(lang model.ScriptLanguage) bool {
	return lang == model.LanguageStarlark
}

// Check parses and resolves the script without running it.
func (rt *StarlarkRuntime) Check(s model.Script) error {
	_, _, err := starlark.SourceProgram(s.ID+".star", s.Source, isPredeclared)
	if err != nil {
		return fmt.Errorf("starlark: %w", err)
	}
	return nil
}

func isPredeclared(name string) bool {
	switch name {
	case "input", "output", "args", "request", "struct":
		return true
	default:
		return false
	}
}

// Invoke executes the script. The return value is the script's global
// "result"; the output is the output dict after execution.
func (rt *StarlarkRuntime) Invoke(ctx context.Context, s model.Script, b Bindings) (Result, error) {
	if rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.timeout)
		defer cancel()
	}

	thread := &starlark.Thread{
		Name: "script:" + s.ID,
		Print: func(_ *starlark.Thread, msg string) {
			rt.logger.Debug("script print", zap.String("script_id", s.ID), zap.String("msg", msg))
		},
	}
	if rt.maxSteps > 0 {
		thread.SetMaxExecutionSteps(rt.maxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	predeclared, output, err := starlarkBindings(b)
	if err != nil {
		return Result{}, err
	}

	globals, err := starlark.ExecFile(thread, s.ID+".star", s.Source, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("starlark: script %s cancelled: %w", s.ID, ctx.Err())
		}
		return Result{}, fmt.Errorf("starlark: %w", err)
	}

	var value any
	if v, ok := globals[resultGlobal]; ok {
		value, err = fromStarlarkValue(v)
		if err != nil {
			return Result{}, fmt.Errorf("starlark: converting result: %w", err)
		}
	}

	out, err := fromStarlarkValue(output)
	if err != nil {
		return Result{}, fmt.Errorf("starlark: converting output: %w", err)
	}
	outMap, _ := out.(map[string]any)

	return Result{Value: value, Output: outMap}, nil
}

func starlarkBindings(b Bindings) (starlark.StringDict, *starlark.Dict, error) {
	input, err := toStarlarkDict(b.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("starlark: converting input: %w", err)
	}
	input.Freeze()

	args, err := toStarlarkDict(b.Args)
	if err != nil {
		return nil, nil, fmt.Errorf("starlark: converting args: %w", err)
	}
	args.Freeze()

	reqFields := make(starlark.StringDict, len(b.Request))
	for k, v := range b.Request {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("starlark: converting request.%s: %w", k, err)
		}
		reqFields[k] = sv
	}
	request := starlarkstruct.FromStringDict(starlarkstruct.Default, reqFields)
	request.Freeze()

	output, err := toStarlarkDict(b.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("starlark: converting output: %w", err)
	}

	return starlark.StringDict{
		"input":   input,
		"output":  output,
		"args":    args,
		"request": request,
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
	}, output, nil
}

func toStarlarkDict(m map[string]any) (*starlark.Dict, error) {
	dict := starlark.NewDict(len(m))
	for k, v := range m {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.UTC().Format(time.RFC3339)), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		return toStarlarkDict(val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		fields := make(starlark.StringDict)
		val.ToStringDict(fields)
		dict := make(map[string]any, len(fields))
		for k, fv := range fields {
			gv, err := fromStarlarkValue(fv)
			if err != nil {
				return nil, err
			}
			dict[k] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
