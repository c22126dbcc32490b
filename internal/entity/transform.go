package entity

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// runTransform feeds v through a compiled jq program and returns the first
// result. Text values are passed as strings and lists as arrays.
func runTransform(code *gojq.Code, v any) (any, error) {
	var input any
	switch t := v.(type) {
	case string:
		input = t
	case []string:
		arr := make([]any, len(t))
		for i, s := range t {
			arr[i] = s
		}
		input = arr
	default:
		input = t
	}

	iter := code.Run(input)
	out, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := out.(error); isErr {
		return nil, err
	}

	switch t := out.(type) {
	case nil, string, []any, bool:
		return t, nil
	case int, float64:
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported result type %T", out)
	}
}
