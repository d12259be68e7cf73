package state

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func rawOrNil(v string) json.RawMessage {
	if v == "" {
		return nil
	}
	return json.RawMessage(v)
}

func decodeStrings(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func asObject(v json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, false
	}
	return out, true
}

// mergeData shallow-merges patch over current when both are JSON objects and
// reports which top-level fields changed. Otherwise patch replaces current
// and changed is nil.
func mergeData(current, patch json.RawMessage) (json.RawMessage, []string, error) {
	base, okBase := asObject(current)
	over, okOver := asObject(patch)
	if !okBase || !okOver {
		return patch, nil, nil
	}
	var changed []string
	for k, v := range over {
		if old, exists := base[k]; !exists || !sameJSON(old, v) {
			changed = append(changed, k)
		}
		base[k] = v
	}
	sort.Strings(changed)
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, nil, err
	}
	return merged, changed, nil
}

func sameJSON(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
