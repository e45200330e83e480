package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/pkg/schema"
)

// jqCache compiles jq expressions once and reuses the compiled code.
// Thread-safe: compiled *Code objects are shared across goroutines.
type jqCache struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newJQCache() *jqCache {
	return &jqCache{cache: make(map[string]*gojq.Code)}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (c *jqCache) getOrCompile(expression string) (*gojq.Code, error) {
	c.mu.RLock()
	if code, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return code, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := c.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	c.cache[expression] = code
	return code, nil
}

// Transform reshapes an exported trail with a jq expression. The entries are
// presented to the expression as a JSON array, so `.[] | select(...)` style
// filters work directly. All outputs of the expression are returned.
func (l *Logger) Transform(ctx context.Context, entries []*store.AuditEntry, expression string) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := l.jq.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal entries: %w", err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("unmarshal entries: %w", err)
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, evalErr.Error()).WithCause(evalErr)
		}
		results = append(results, val)
	}
	return results, nil
}
