package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxDepth bounds parent/category chains accepted at parse time.
const MaxDepth = 32

// Category groups tasks. Categories nest through Parent.
type Category struct {
	Name   string
	Parent *Category
	Config map[string]any
}

// Valid reports whether the category names something. A category without a
// name is treated as absent.
func (c *Category) Valid() bool { return c != nil && c.Name != "" }

// Lineage returns category names from the root down to c.
func (c *Category) Lineage() []string {
	var out []string
	for cur := c; cur != nil; cur = cur.Parent {
		out = append(out, cur.Name)
	}
	reverse(out)
	return out
}

// Task describes what to run.
type Task struct {
	ID       string
	Name     string
	Category *Category
	Config   map[string]any
	Parent   *Task

	// Content is the raw source map of the task.
	Content map[string]any
}

// Lineage returns task names from the root ancestor down to t.
func (t *Task) Lineage() []string {
	var out []string
	for cur := t; cur != nil; cur = cur.Parent {
		out = append(out, cur.Name)
	}
	reverse(out)
	return out
}

// ParentName returns the immediate parent's name, or "".
func (t *Task) ParentName() string {
	if t == nil || t.Parent == nil {
		return ""
	}
	return t.Parent.Name
}

// CategoryName returns the category name, or "" when there is no valid category.
func (t *Task) CategoryName() string {
	if t == nil || !t.Category.Valid() {
		return ""
	}
	return t.Category.Name
}

// Callback is fired when the executor of a schedule reaches TriggerEvent.
type Callback struct {
	TriggerEvent string
	Name         string
	Config       map[string]any
}

// Schedule is one unit of work pulled from the task center.
//
// A Schedule is built once from the backend payload and never mutated
// afterwards. It owns its Task by value.
type Schedule struct {
	ScheduleID   string
	ScheduleTime time.Time
	Callback     *Callback
	Task         Task
	Queue        string
	Config       map[string]any
	Generator    string
	LastLog      map[string]any

	// Content is the raw payload the schedule was parsed from.
	Content map[string]any
}

// Key identifies a schedule. Two schedules with the same key are equal.
type Key struct {
	ScheduleID   string
	ScheduleTime int64 // unix nanos
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.ScheduleID, k.ScheduleTime)
}

func (s *Schedule) Key() Key {
	if s == nil {
		return Key{}
	}
	var ts int64
	if !s.ScheduleTime.IsZero() {
		ts = s.ScheduleTime.UnixNano()
	}
	return Key{ScheduleID: s.ScheduleID, ScheduleTime: ts}
}

func (s *Schedule) Equal(o *Schedule) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Key() == o.Key()
}

// Describe renders a short human-readable identity used in log lines and
// dispatch error messages.
func (s *Schedule) Describe() string {
	if s == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(strings.Join(s.Task.Lineage(), "-"))
	if s.Task.Category.Valid() {
		b.WriteString(" (category ")
		b.WriteString(strings.Join(s.Task.Category.Lineage(), "-"))
		b.WriteString(")")
	}
	if s.ScheduleID != "" {
		b.WriteString(" schedule=")
		b.WriteString(s.ScheduleID)
	}
	return b.String()
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
