package jsonrpc2

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()
var typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()

// isExported returns true if a string is an exported (upper case) name.
// Borrowed from https://golang.org/src/net/rpc/server.go
func isExported(name string) bool {
	rune, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(rune)
}

// isExportedOrBuiltin returns true if a type is exported or a builtin.
func isExportedOrBuiltin(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type,
	// so we need to check the type name as well.
	return isExported(t.Name()) || t.PkgPath() == ""
}

// funcArgTypes returns the arg types and whether all the types are valid
// (exported or builtin). skip is the number of leading args to ignore (1 for
// a bound receiver, 0 for a plain func).
func funcArgTypes(funcType reflect.Type, skip int) (argTypes []reflect.Type, hasCtx bool, ok bool) {
	argNum := funcType.NumIn()
	argTypes = make([]reflect.Type, 0, argNum-skip)
	for argPos := skip; argPos < argNum; argPos++ {
		argType := funcType.In(argPos)
		if !isExportedOrBuiltin(argType) {
			return nil, hasCtx, false
		}
		if argType == typeOfContext {
			hasCtx = true
			continue
		}
		argTypes = append(argTypes, argType)
	}
	return argTypes, hasCtx, true
}

// funcErrPos returns the return value index position of an error type for
// supported return layouts: (), (T), (error), (T, error)
func funcErrPos(funcType reflect.Type) (int, bool) {
	switch funcType.NumOut() {
	case 0:
		return -1, true
	case 1:
		if funcType.Out(0) == typeOfError {
			// Single error return value
			return 0, true
		}
		// Single non-error return value
		return -1, true
	case 2:
		if funcType.Out(1) == typeOfError {
			// Two return values, one error type
			return 1, true
		}
		// Two return values, no error type, unsupported.
		return -1, false
	}
	return -1, false
}

// Method is the definition of a callable method.
type Method struct {
	// Receiver is the bound instance, if the method came from a receiver.
	Receiver reflect.Value
	// Func is the callable. For receiver methods, its first argument is the
	// receiver itself.
	Func     reflect.Value
	ArgTypes []reflect.Type
	ErrPos   int
	HasCtx   bool
}

// Methods returns a mapping of valid method names to Method definitions for
// an instance's receiver.
func Methods(receiver interface{}) (map[string]Method, error) {
	kind := reflect.TypeOf(receiver)
	val := reflect.ValueOf(receiver)
	if name := reflect.Indirect(val).Type().Name(); !isExported(name) {
		return nil, fmt.Errorf("receiver must be exported: %s", name)
	}

	methods := map[string]Method{}
	for i := 0; i < kind.NumMethod(); i++ {
		method := kind.Method(i)
		if method.PkgPath != "" {
			// Skip unexported methods
			continue
		}

		// Load arg types (skip first arg, the receiver)
		argTypes, hasCtx, ok := funcArgTypes(method.Type, 1)
		if !ok {
			// Skip methods with unexported arg types
			continue
		}

		// Find ErrPos, if any.
		errPos, ok := funcErrPos(method.Type)
		if !ok {
			return nil, fmt.Errorf("unsupported return values in method: %s", method.Name)
		}

		methods[method.Name] = Method{
			Receiver: val,
			Func:     method.Func,
			ArgTypes: argTypes,
			ErrPos:   errPos,
			HasCtx:   hasCtx,
		}
	}

	return methods, nil
}

// MethodByName returns the Method definition for a single method of a
// receiver.
func MethodByName(receiver interface{}, name string) (*Method, error) {
	methods, err := Methods(receiver)
	if err != nil {
		return nil, err
	}
	m, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("no such method: %s", name)
	}
	return &m, nil
}

// FuncMethod returns the Method definition for a bare function, for
// registering a single endpoint without a receiver.
func FuncMethod(fn interface{}) (*Method, error) {
	val := reflect.ValueOf(fn)
	if val.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function: %T", fn)
	}
	argTypes, hasCtx, ok := funcArgTypes(val.Type(), 0)
	if !ok {
		return nil, fmt.Errorf("unexported argument types in function: %T", fn)
	}
	errPos, ok := funcErrPos(val.Type())
	if !ok {
		return nil, fmt.Errorf("unsupported return values in function: %T", fn)
	}
	return &Method{
		Func:     val,
		ArgTypes: argTypes,
		ErrPos:   errPos,
		HasCtx:   hasCtx,
	}, nil
}

// CallJSON wraps Call but supports JSON-encoded positional args.
func (m *Method) CallJSON(ctx context.Context, rawArgs json.RawMessage) (interface{}, error) {
	args, err := parsePositionalArguments(rawArgs, m.ArgTypes)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args)
}

// Call executes the method with the given arguments.
func (m *Method) Call(ctx context.Context, args []reflect.Value) (interface{}, error) {
	if len(args) != len(m.ArgTypes) {
		return nil, fmt.Errorf("invalid number of args: expected %d, got %d", len(m.ArgTypes), len(args))
	}

	arguments := make([]reflect.Value, 0, len(args)+2)
	if m.Receiver.IsValid() {
		arguments = append(arguments, m.Receiver)
	}
	if m.HasCtx {
		arguments = append(arguments, reflect.ValueOf(ctx))
	}
	arguments = append(arguments, args...)

	reply := m.Func.Call(arguments)

	// Are there any return values?
	if len(reply) == 0 {
		return nil, nil
	}
	// Is there an error return value?
	if m.ErrPos >= 0 && !reply[m.ErrPos].IsNil() {
		return nil, reply[m.ErrPos].Interface().(error)
	}

	// All is good, assume the first result is what we want to return
	// This supports (), (err), (res, err)
	return reply[0].Interface(), nil
}
