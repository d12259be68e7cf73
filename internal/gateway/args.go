package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

func present(args []json.RawMessage, i int) bool {
	if i >= len(args) {
		return false
	}
	v := bytes.TrimSpace(args[i])
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

func stringArg(args []json.RawMessage, i int, name string) (string, error) {
	if !present(args, i) {
		return "", Validationf("argument %d (%s) is required", i, name)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", Validationf("argument %d (%s) must be a string", i, name)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", Validationf("argument %d (%s) must not be empty", i, name)
	}
	return s, nil
}

func intArg(args []json.RawMessage, i int, name string, fallback int) (int, error) {
	if !present(args, i) {
		return fallback, nil
	}
	var n int
	if err := json.Unmarshal(args[i], &n); err != nil || n < 0 {
		return 0, Validationf("argument %d (%s) must be a non-negative integer", i, name)
	}
	if n == 0 {
		return fallback, nil
	}
	return n, nil
}

func rawArg(args []json.RawMessage, i int, name string) (json.RawMessage, error) {
	if !present(args, i) {
		return nil, Validationf("argument %d (%s) is required", i, name)
	}
	return bytes.TrimSpace(args[i]), nil
}

func optionalRaw(args []json.RawMessage, i int) json.RawMessage {
	if !present(args, i) {
		return nil
	}
	return bytes.TrimSpace(args[i])
}
