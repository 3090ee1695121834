package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles and caches a jsonschema.Schema per tool, keyed by
// the prefixed tool name plus a fingerprint of its raw schema so a
// redefinition (after a backend reconnect with a changed schema) recompiles
// instead of serving a stale validator.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]*cachedSchema
}

type cachedSchema struct {
	fingerprint string
	schema      *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]*cachedSchema)}
}

// validate compiles (or reuses) the schema for name/raw and checks args
// against it. A missing, empty, or uncompilable schema is treated as
// permissive (the schema is advisory, not a security boundary); only a
// well-formed schema that genuinely rejects args produces an error.
func (c *schemaCache) validate(name string, raw json.RawMessage, args json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	fingerprint := string(raw)

	c.mu.Lock()
	entry, ok := c.entries[name]
	if !ok || entry.fingerprint != fingerprint {
		compiled, err := compileSchema(raw)
		entry = &cachedSchema{fingerprint: fingerprint, schema: compiled}
		c.entries[name] = entry
		if err != nil {
			c.mu.Unlock()
			return nil
		}
	}
	schema := entry.schema
	c.mu.Unlock()
	if schema == nil {
		return nil
	}

	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match %s's input schema: %w", name, err)
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	return jsonschema.CompileString("tool_input.json", string(raw))
}
