package tools

import (
	"encoding/json"
	"fmt"
)

// stringArg extracts a required string argument
func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", key)
	}
	return s, nil
}

func optionalStringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg extracts an integer argument, tolerating the float64 and json.Number
// representations JSON decoding produces.
func intArg(args map[string]interface{}, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	default:
		return fallback
	}
}

// limitArg resolves the fetch limit, clamping it into [1, maxFetchLimit]
func limitArg(args map[string]interface{}) int {
	limit := intArg(args, "limit", defaultFetchLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	return limit
}
