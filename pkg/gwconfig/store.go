package gwconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
)

// Store owns the two on-disk configuration documents and the in-memory view
// the rest of the gateway reads. Mutations go through Save, which persists
// atomically (write temp, rename) and then swaps in the in-memory copy —
// see gateway.State for the admin critical section that actually applies
// mutations.
type Store struct {
	mu sync.RWMutex

	serverListPath string
	mcpConfigPath  string
	logger         *zap.Logger

	doc    ServerListDocument
	launch map[string]LaunchDescriptor
}

// New constructs a Store bound to the two configuration file paths. It does
// not load; call Load before reading.
func New(serverListPath, mcpConfigPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		serverListPath: serverListPath,
		mcpConfigPath:  mcpConfigPath,
		logger:         logger.Named("gwconfig"),
		doc:            ServerListDocument{ToolCap: DefaultToolCap},
		launch:         map[string]LaunchDescriptor{},
	}
}

// Load reads both configuration documents. A missing server list yields a
// defaulted, empty in-memory configuration (toolCap=60, no servers) and no
// error. An unparseable or invalid one yields the same defaults plus a
// logged and returned error, which is not fatal — the gateway must still
// run so admin tools can rebuild it. A missing launch descriptor
// document is treated the same way (empty map); it is optional when every
// configured server is HTTP-based.
func (s *Store) Load() error {
	serverDoc, serverErr := loadServerList(s.serverListPath)
	if serverErr != nil {
		s.logger.Error("failed to load server list, starting with defaults",
			zap.String("path", s.serverListPath), zap.Error(serverErr))
		serverDoc = ServerListDocument{ToolCap: DefaultToolCap}
	} else if valErr := serverDoc.Validate(); valErr != nil {
		s.logger.Error("server list failed validation, starting with defaults",
			zap.String("path", s.serverListPath), zap.Error(valErr))
		serverDoc = ServerListDocument{ToolCap: DefaultToolCap}
		serverErr = valErr
	}

	launchDoc, launchErr := loadMcpConfig(s.mcpConfigPath)
	if launchErr != nil {
		s.logger.Warn("failed to load launch descriptors, starting with none",
			zap.String("path", s.mcpConfigPath), zap.Error(launchErr))
		launchDoc = McpConfigDocument{McpServers: map[string]LaunchDescriptor{}}
	}

	s.mu.Lock()
	s.doc = serverDoc
	s.launch = launchDoc.McpServers
	if s.launch == nil {
		s.launch = map[string]LaunchDescriptor{}
	}
	s.mu.Unlock()

	s.logNamespaceCollisions(serverDoc.Servers)

	if serverErr != nil {
		return fmt.Errorf("gwconfig: load server list: %w", serverErr)
	}
	return nil
}

// logNamespaceCollisions flags, at load time, any server name whose derived
// namespace collides with an earlier-listed one. The later record is left
// unreachable through the router rather than rejected outright, so this is
// a logged warning, not a load failure.
func (s *Store) logNamespaceCollisions(servers []ServerRecord) {
	names := make([]string, len(servers))
	for i, rec := range servers {
		names[i] = rec.Name
	}
	for shadowed, winner := range catalog.DetectCollisions(names) {
		s.logger.Warn("server name collides with an earlier namespace, unreachable through the router",
			zap.String("server", shadowed), zap.String("namespace_owner", winner))
	}
}

func loadServerList(path string) (ServerListDocument, error) {
	var doc ServerListDocument
	if path == "" {
		doc.ToolCap = DefaultToolCap
		return doc, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("toolCap", DefaultToolCap)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			doc.ToolCap = DefaultToolCap
			return doc, nil
		}
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := v.Unmarshal(&doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func loadMcpConfig(path string) (McpConfigDocument, error) {
	var doc McpConfigDocument
	if path == "" {
		return doc, nil
	}
	// Decoded with encoding/json rather than viper: viper lowercases map
	// keys, and both the server names keying mcpServers and the variable
	// names inside each env map are case-sensitive.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

// ToolCap returns the currently loaded tool cap.
func (s *Store) ToolCap() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ToolCap
}

// Servers returns a snapshot copy of the current server records.
func (s *Store) Servers() []ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerRecord, len(s.doc.Servers))
	copy(out, s.doc.Servers)
	return out
}

// Server returns a single record by name.
func (s *Store) Server(name string) (ServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.doc.Servers {
		if rec.Name == name {
			return rec, true
		}
	}
	return ServerRecord{}, false
}

// GetLaunchDescriptor looks up the launch descriptor for a named
// child-process downstream.
func (s *Store) GetLaunchDescriptor(name string) (LaunchDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.launch[name]
	return d, ok
}

// Save validates and persists a full replacement ServerListDocument,
// writing to a temp file and renaming over the original so a crash never
// leaves a partially written document.
func (s *Store) Save(doc ServerListDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if s.serverListPath != "" {
		if err := atomicWriteJSON(s.serverListPath, doc); err != nil {
			return fmt.Errorf("gwconfig: save %s: %w", s.serverListPath, err)
		}
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// MutateServer copies the current document under the store's lock, applies
// fn to the copy, persists it, and swaps it in — the single-writer admin
// mutation path used by servers_enable/servers_disable. The lock is not
// held while fn runs or while the copy is saved, so the Store itself does
// not serialize concurrent MutateServer calls.
func (s *Store) MutateServer(fn func(doc *ServerListDocument)) (ServerListDocument, error) {
	s.mu.Lock()
	working := s.doc
	working.Servers = append([]ServerRecord(nil), s.doc.Servers...)
	s.mu.Unlock()

	fn(&working)

	if err := s.Save(working); err != nil {
		return ServerListDocument{}, err
	}
	return working, nil
}

func atomicWriteJSON(path string, v any) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, abs)
}
