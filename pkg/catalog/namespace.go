package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Namespace derives the router-visible namespace for a server's
// administrative name: leading and trailing whitespace trimmed, lowercase,
// and every remaining maximal run of whitespace collapsed to a single
// underscore. Two distinct server names can collide
// to the same namespace; callers that load a full server list are
// responsible for flagging that as a configuration error (see
// DetectCollisions).
func Namespace(serverName string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(serverName)), "_")
}

// ToolName builds a NamespacedToolDescriptor name from a namespace and the
// downstream's own tool name.
func ToolName(namespace, originalName string) string {
	return namespace + "_" + originalName
}

// Describe prefixes a tool description with the owning server's
// administrative name, per the NamespacedToolDescriptor contract.
func Describe(serverName, description string) string {
	return fmt.Sprintf("[%s] %s", serverName, description)
}

// SplitToolName resolves a namespaced tool name back to (namespace,
// original name) given the set of known namespaces, preferring the longest
// matching namespace with an exact underscore boundary — so a namespace
// "foo" never matches "foobar_x", and "foo_bar" wins over "foo" for
// "foo_bar_x".
func SplitToolName(namespacedName string, knownNamespaces map[string]struct{}) (namespace, original string, ok bool) {
	best := ""
	for ns := range knownNamespaces {
		prefix := ns + "_"
		if !strings.HasPrefix(namespacedName, prefix) {
			continue
		}
		if len(ns) > len(best) {
			best = ns
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, namespacedName[len(best)+1:], true
}

// DetectCollisions maps every server name whose namespace was already taken
// by an earlier name in the list to that earlier, first-listed name — the
// later-listed server is the one left unreachable through the router.
func DetectCollisions(serverNames []string) map[string]string {
	seen := make(map[string]string, len(serverNames))
	collisions := make(map[string]string)
	for _, name := range serverNames {
		ns := Namespace(name)
		if first, exists := seen[ns]; exists {
			collisions[name] = first
			continue
		}
		seen[ns] = name
	}
	return collisions
}
