package batch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync"
)

// ExecutionContext is the persisted key/value bag attached to a job run.
// Values must be JSON-encodable; numbers come back as json.Number after a reload.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
	dirty  bool
}

func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{values: make(map[string]any)}
}

func (c *ExecutionContext) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.dirty = true
}

func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *ExecutionContext) ContainsKey(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *ExecutionContext) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	c.dirty = true
}

func (c *ExecutionContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// GetInt64 returns the value under key as an int64. The second result is false when
// the key is absent or the value is not numeric.
func (c *ExecutionContext) GetInt64(key string) (int64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (c *ExecutionContext) GetBool(key string) bool {
	v, ok := c.Get(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// Dirty reports whether the context changed since it was last persisted.
func (c *ExecutionContext) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

func (c *ExecutionContext) markClean() {
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
}

// Copy returns an independent context holding the same entries.
func (c *ExecutionContext) Copy() *ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := NewExecutionContext()
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.values)
}

func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if len(bytes.TrimSpace(data)) > 0 && string(data) != "null" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.values = values
	c.dirty = false
	c.mu.Unlock()
	return nil
}
