package jsonrpc2

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// parsePositionalArguments takes the params of a JSONRPC message and asserts
// each positional argument into the reflected value of its type. Only
// positional (array) params are supported; named params are the caller's
// convention to flatten into a single object argument.
func parsePositionalArguments(msgParams json.RawMessage, types []reflect.Type) ([]reflect.Value, error) {
	if len(msgParams) == 0 || string(msgParams) == "null" {
		if len(types) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("missing params: expected %d", len(types))
	}

	var args []json.RawMessage
	if err := json.Unmarshal(msgParams, &args); err != nil {
		return nil, fmt.Errorf("params must be an array: %s", err)
	}
	if len(args) > len(types) {
		return nil, fmt.Errorf("too many arguments: expected %d, got %d", len(types), len(args))
	}
	if len(args) < len(types) {
		return nil, fmt.Errorf("not enough arguments: expected %d, got %d", len(types), len(args))
	}

	values := make([]reflect.Value, 0, len(types))
	for i, arg := range args {
		value := reflect.New(types[i])
		if err := json.Unmarshal(arg, value.Interface()); err != nil {
			return nil, fmt.Errorf("invalid argument %d: %s", i, err)
		}
		values = append(values, value.Elem())
	}

	return values, nil
}
