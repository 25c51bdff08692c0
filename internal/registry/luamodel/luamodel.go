// Package luamodel turns stored artifacts into invocable models.
//
// An invocable artifact is Lua source that defines a global predict function.
// The source runs once at compile time, so top-level locals captured by
// predict behave as model state and survive a save/load round trip by simply
// re-running the source. Artifacts that are not Lua remain storable in the
// registry; they just cannot be compiled for serving.
package luamodel

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Shopify/go-lua"
)

// ErrNoPredict indicates the source never defined a global predict function.
var ErrNoPredict = errors.New("model source does not define a predict function")

// Program is a compiled model ready for prediction calls.
//
// A Lua state is not safe for concurrent use; Predict serializes callers with
// an internal mutex.
type Program struct {
	mu    sync.Mutex
	state *lua.State
}

// Compile runs src in a fresh Lua state and verifies that it defined a global
// predict function.
func Compile(src []byte) (*Program, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)

	if err := lua.LoadBuffer(state, string(src), "model", ""); err != nil {
		return nil, fmt.Errorf("parse model source: %w", err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run model source: %w", err)
	}
	state.SetTop(0)

	state.Global("predict")
	defined := state.TypeOf(-1) == lua.TypeFunction
	state.Pop(1)
	if !defined {
		return nil, ErrNoPredict
	}
	return &Program{state: state}, nil
}

// Predict calls the model's predict function with input and converts the
// result back to plain Go values. Numbers come back as int when integral and
// float64 otherwise; tables come back as []any or map[string]any.
func (p *Program) Predict(input any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.state
	top := state.Top()
	defer state.SetTop(top)

	state.Global("predict")
	if state.TypeOf(-1) != lua.TypeFunction {
		return nil, ErrNoPredict
	}
	if err := pushValue(state, input); err != nil {
		return nil, err
	}
	if err := state.ProtectedCall(1, 1, 0); err != nil {
		return nil, fmt.Errorf("run predict: %w", err)
	}
	return luaToGo(state, -1), nil
}

func pushValue(state *lua.State, value any) error {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case string:
		state.PushString(v)
	case float64:
		state.PushNumber(v)
	case float32:
		state.PushNumber(float64(v))
	case int:
		state.PushInteger(v)
	case int64:
		state.PushNumber(float64(v))
	case []any:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			if err := pushValue(state, item); err != nil {
				return err
			}
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.CreateTable(0, len(v))
		for key, item := range v {
			if err := pushValue(state, item); err != nil {
				return err
			}
			state.SetField(-2, key)
		}
	default:
		return fmt.Errorf("unsupported model input type %T", value)
	}
	return nil
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(state, index)
	default:
		return nil
	}
}

func tableToGo(state *lua.State, index int) any {
	index = state.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	state.PushNil()
	for state.Next(index) {
		if isArray {
			if state.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := state.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			result = append(result, luaToGo(state, -1))
			state.Pop(1)
		}
		return result
	}

	return tableToMap(state, index)
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 {
		return int(value)
	}
	return value
}
