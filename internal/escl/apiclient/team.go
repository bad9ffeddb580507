package apiclient

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

var teamIDPaths = [][]string{
	{"player", "teamId"},
	{"player", "team", "id"},
	{"teamId"},
	{"team_id"},
	{"team", "id"},
	{"team", "teamId"},
}

// TeamID extracts the caller's team id from a UserService/Me payload.
// Known locations are tried in order; the first positive integer wins.
func TeamID(payload map[string]any) (int64, bool) {
	for _, path := range teamIDPaths {
		if v, ok := pick(payload, path); ok {
			return v, true
		}
	}
	return 0, false
}

func pick(m map[string]any, path []string) (int64, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur = obj[key]
	}
	return positiveInt(cur)
}

func positiveInt(v any) (int64, bool) {
	var n int64
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 {
			return 0, false
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	return n, n > 0
}

// Summary renders the most useful part of a reply for humans: the first of
// message, error, detail or reason, else the raw text.
func (r Response) Summary() string {
	for _, k := range []string{"message", "error", "detail", "reason"} {
		if s, ok := r.Payload[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if r.Payload != nil {
		if b, err := json.Marshal(r.Payload); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(r.Text)
}
