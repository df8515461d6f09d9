package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidPayload = errors.New("invalid schedule payload")
	ErrTreeTooDeep    = errors.New("parent chain exceeds max depth")
)

// ParseSchedule builds a Schedule from a decoded payload.
//
// The payload is deep-copied into Content, so later changes to payload do not
// affect the schedule.
func ParseSchedule(payload map[string]any) (*Schedule, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	content := cloneMap(payload)

	id, err := stringField(content, "schedule_id")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: schedule_id is required", ErrInvalidPayload)
	}

	ts, err := timeField(content, "schedule_time")
	if err != nil {
		return nil, err
	}

	rawTask, ok := content["task"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: task object is required", ErrInvalidPayload)
	}
	task, err := parseTask(rawTask, 0)
	if err != nil {
		return nil, err
	}

	cb, err := parseCallback(content["callback"])
	if err != nil {
		return nil, err
	}

	queue, err := stringField(content, "queue")
	if err != nil {
		return nil, err
	}
	generator, err := stringField(content, "generator")
	if err != nil {
		return nil, err
	}
	cfg, err := mapField(content, "config")
	if err != nil {
		return nil, err
	}
	lastLog, err := mapField(content, "last_log")
	if err != nil {
		return nil, err
	}

	return &Schedule{
		ScheduleID:   id,
		ScheduleTime: ts,
		Callback:     cb,
		Task:         *task,
		Queue:        queue,
		Config:       cfg,
		Generator:    generator,
		LastLog:      lastLog,
		Content:      content,
	}, nil
}

// DecodeSchedules decodes a JSON document holding either one schedule object
// or an array of them. An empty document, null, or an empty array yields no
// schedules.
func DecodeSchedules(data []byte) ([]*Schedule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var raw []map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out := make([]*Schedule, 0, len(raw))
		for i, p := range raw {
			s, err := ParseSchedule(p)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := DecodeSchedule(data)
	if err != nil {
		return nil, err
	}
	return []*Schedule{s}, nil
}

// DecodeSchedule decodes one JSON schedule object.
func DecodeSchedule(data []byte) (*Schedule, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ParseSchedule(raw)
}

// MarshalJSON encodes the raw payload, which keeps the wire form stable.
func (s *Schedule) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.Content)
}

func parseTask(raw map[string]any, depth int) (*Task, error) {
	if depth >= MaxDepth {
		return nil, fmt.Errorf("task: %w (%d)", ErrTreeTooDeep, MaxDepth)
	}
	id, err := stringField(raw, "id")
	if err != nil {
		return nil, err
	}
	name, err := stringField(raw, "name")
	if err != nil {
		return nil, err
	}
	cfg, err := mapField(raw, "config")
	if err != nil {
		return nil, err
	}
	t := &Task{ID: id, Name: name, Config: cfg, Content: raw}

	if c, ok := raw["category"]; ok && c != nil {
		cm, ok := c.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: task.category must be an object", ErrInvalidPayload)
		}
		cat, err := parseCategory(cm, 0)
		if err != nil {
			return nil, err
		}
		t.Category = cat
	}
	if p, ok := raw["parent"]; ok && p != nil {
		pm, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: task.parent must be an object", ErrInvalidPayload)
		}
		parent, err := parseTask(pm, depth+1)
		if err != nil {
			return nil, err
		}
		t.Parent = parent
	}
	return t, nil
}

func parseCategory(raw map[string]any, depth int) (*Category, error) {
	if depth >= MaxDepth {
		return nil, fmt.Errorf("category: %w (%d)", ErrTreeTooDeep, MaxDepth)
	}
	name, err := stringField(raw, "name")
	if err != nil {
		return nil, err
	}
	cfg, err := mapField(raw, "config")
	if err != nil {
		return nil, err
	}
	c := &Category{Name: name, Config: cfg}
	if p, ok := raw["parent"]; ok && p != nil {
		pm, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: category.parent must be an object", ErrInvalidPayload)
		}
		parent, err := parseCategory(pm, depth+1)
		if err != nil {
			return nil, err
		}
		c.Parent = parent
	}
	return c, nil
}

func parseCallback(v any) (*Callback, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: callback must be an object", ErrInvalidPayload)
	}
	trigger, err := stringField(m, "trigger_event")
	if err != nil {
		return nil, err
	}
	name, err := stringField(m, "name")
	if err != nil {
		return nil, err
	}
	cfg, err := mapField(m, "config")
	if err != nil {
		return nil, err
	}
	return &Callback{TriggerEvent: strings.ToUpper(strings.TrimSpace(trigger)), Name: name, Config: cfg}, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidPayload, key, v)
	}
}

func mapField(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object, got %T", ErrInvalidPayload, key, v)
	}
	return out, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func timeField(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch x := v.(type) {
	case float64:
		return unixSeconds(x), nil
	case int:
		return time.Unix(int64(x), 0).UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
		}
		return unixSeconds(f), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(f), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %s: unrecognized time %q", ErrInvalidPayload, key, x)
	default:
		return time.Time{}, fmt.Errorf("%w: %s must be a time, got %T", ErrInvalidPayload, key, v)
	}
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
