package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
)

// builtinTool is the fixed admin tool set the gateway exposes under its
// reserved namespace, regardless of any configured downstream.
type builtinTool struct {
	name        string
	description string
	schema      json.RawMessage
}

var builtinTools = []builtinTool{
	{
		name:        "servers_list",
		description: "List every configured downstream server, its enabled state and connection status.",
		schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		name:        "servers_enable",
		description: "Enable a downstream server by its administrative name, subject to the tool cap.",
		schema:      json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	},
	{
		name:        "servers_disable",
		description: "Disable a downstream server by its administrative name and drain its session.",
		schema:      json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	},
	{
		name:        "refresh_tools",
		description: "Invalidate the cached tool catalog and rediscover every enabled downstream.",
		schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

// builtinSchemas holds each admin tool's declared parameter schema in
// resolved form, ready to validate inbound params against. The schemas are
// package constants, so a failure here is a programming error caught the
// first time anything in this package runs.
var builtinSchemas = func() map[string]*jsonschema.Resolved {
	out := make(map[string]*jsonschema.Resolved, len(builtinTools))
	for _, b := range builtinTools {
		var s jsonschema.Schema
		if err := json.Unmarshal(b.schema, &s); err != nil {
			panic(fmt.Sprintf("gateway: parse %s schema: %v", b.name, err))
		}
		resolved, err := s.Resolve(nil)
		if err != nil {
			panic(fmt.Sprintf("gateway: resolve %s schema: %v", b.name, err))
		}
		out[b.name] = resolved
	}
	return out
}()

// validateAdminParams checks a call's params against the tool's declared
// schema. Missing or mistyped required parameters surface as -32602 through
// ErrMissingParam's mapping.
func validateAdminParams(name string, raw json.RawMessage) error {
	resolved, ok := builtinSchemas[name]
	if !ok {
		return nil
	}
	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("%w: %v", ErrMissingParam, err)
		}
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	if err := resolved.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingParam, err)
	}
	return nil
}

// builtinDescriptors renders the fixed admin tool set as namespaced
// descriptors under the configured reserved prefix.
func (s *State) builtinDescriptors() []catalog.NamespacedToolDescriptor {
	out := make([]catalog.NamespacedToolDescriptor, 0, len(builtinTools))
	for _, b := range builtinTools {
		out = append(out, catalog.NamespacedToolDescriptor{
			Name:         catalog.ToolName(s.adminPrefix, b.name),
			Description:  b.description,
			Parameters:   b.schema,
			ServerName:   "",
			OriginalName: b.name,
		})
	}
	return out
}

// resolveBuiltin reports whether namespacedName addresses one of the fixed
// admin tools, returning its bare name if so.
func (s *State) resolveBuiltin(namespacedName string) (string, bool) {
	prefix := s.adminPrefix + "_"
	if !strings.HasPrefix(namespacedName, prefix) {
		return "", false
	}
	bare := namespacedName[len(prefix):]
	for _, b := range builtinTools {
		if b.name == bare {
			return bare, true
		}
	}
	return "", false
}
