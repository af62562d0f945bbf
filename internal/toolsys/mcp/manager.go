// Package mcp manages MCP server connections on behalf of the Tool System:
// connecting each configured server, discovering and bridging its tools into
// the shared registry, and keeping the connection alive across restarts
// with a health-check/reconnect-backoff loop.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/toolsys"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of one MCP server.
type ServerStatus struct {
	Name      string
	Transport string
	Connected bool
	ToolCount int
	Error     string
}

type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string // registry names, for unregistering on Stop
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects to every enabled MCP server in configs, bridges their
// tools into registry, and registers "mcp"/"mcp:{server}" groups on policy
// so the tool policy can allow/deny them like any other group.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *toolsys.Registry
	policy   *toolsys.PolicyEngine
	configs  map[string]config.MCPServerConfig
}

// NewManager constructs a Manager bridging MCP tools into registry and
// registering groups on policy.
func NewManager(registry *toolsys.Registry, policy *toolsys.PolicyEngine, configs map[string]config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		policy:   policy,
		configs:  configs,
	}
}

// Start connects to every enabled configured server. Connection failures are
// logged and collected but never fatal — the tool system still comes up
// with whatever servers succeeded.
func (m *Manager) Start(ctx context.Context) error {
	var errs []string
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp server disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Stop closes every server connection and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp server close error", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
		m.policy.UnregisterGroup("mcp:" + name)
	}
	m.servers = make(map[string]*serverState)
	m.policy.UnregisterGroup("mcp")
}

// ServerStatus reports the connection status of every server.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     ss.lastErr,
		})
	}
	return statuses
}

func (m *Manager) connectServer(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := createClient(cfg.Transport, cfg.Command, cfg.Args, cfg.Env, cfg.URL, cfg.Headers)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "relay", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{name: name, transport: cfg.Transport, client: client, timeoutSec: timeoutSec}
	ss.connected.Store(true)

	var registered []string
	for _, mcpTool := range toolsResult.Tools {
		tool, _ := newBridgeTool(name, mcpTool, client, cfg.ToolPrefix, &ss.connected)
		if _, exists := m.registry.Get(tool.Spec.Name); exists {
			slog.Warn("mcp tool name collision, skipped", "server", name, "tool", tool.Spec.Name)
			continue
		}
		m.registry.Register(tool)
		registered = append(registered, tool.Spec.Name)
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	if len(registered) > 0 {
		m.policy.RegisterGroup("mcp:"+name, registered)
		m.updateMCPGroup()
	}

	slog.Info("mcp server connected", "server", name, "transport", cfg.Transport, "tools", len(registered))
	return nil
}

func createClient(transportType, command string, args []string, env map[string]string, url string, headers map[string]string) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		return mcpclient.NewStdioMCPClient(command, mapToEnvSlice(env), args...)
	case "sse":
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(url, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(url, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					ss.connected.Store(true)
					ss.mu.Lock()
					ss.reconnAttempts = 0
					ss.lastErr = ""
					ss.mu.Unlock()
					continue
				}
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				slog.Warn("mcp server health check failed", "server", ss.name, "error", err)
				m.tryReconnect(ctx, ss)
			} else {
				ss.connected.Store(true)
				ss.mu.Lock()
				ss.reconnAttempts = 0
				ss.lastErr = ""
				ss.mu.Unlock()
			}
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp server reconnect exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("mcp server reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		slog.Info("mcp server reconnected", "server", ss.name)
	}
}

// ToolNames returns every registry name currently bridged from an MCP
// server, across all servers.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	return names
}

// updateMCPGroup rebuilds the "mcp" group spanning every connected server.
// Must be called without m.mu held — it takes an RLock via ToolNames.
func (m *Manager) updateMCPGroup() {
	names := m.ToolNames()
	if len(names) > 0 {
		m.policy.RegisterGroup("mcp", names)
	} else {
		m.policy.UnregisterGroup("mcp")
	}
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
