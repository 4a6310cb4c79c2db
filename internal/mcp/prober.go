// Package mcp probes configured MCP servers by running the initialize
// handshake against them, classifying each as connected, failed, or
// needing authentication.
package mcp

import (
	"context"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
	v1 "github.com/batondev/baton/pkg/api/v1"
)

const probeTimeout = 10 * time.Second

// Prober performs MCP initialize handshakes.
type Prober struct {
	logger *logger.Logger
}

// NewProber creates a prober.
func NewProber(log *logger.Logger) *Prober {
	return &Prober{logger: log.WithComponent("mcp_prober")}
}

// Probe attempts the initialize handshake against one server config and
// returns the resulting connection state. Probing never returns an error;
// failures map to a state.
func (p *Prober) Probe(ctx context.Context, cfg v1.MCPServerConfig) v1.MCPServerState {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	c, err := p.newClient(cfg)
	if err != nil {
		p.logger.Warn("mcp client setup failed", zap.Error(err))
		return v1.MCPServerFailed
	}
	defer func() {
		_ = c.Close()
	}()

	if err := c.Start(ctx); err != nil {
		return classifyProbeError(err)
	}

	var initReq mcpproto.InitializeRequest
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{
		Name:    "baton",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		p.logger.Warn("mcp initialize failed",
			zap.String("url", cfg.URL),
			zap.String("command", cfg.Command),
			zap.Error(err))
		return classifyProbeError(err)
	}
	return v1.MCPServerConnected
}

func (p *Prober) newClient(cfg v1.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Type {
	case "sse":
		return mcpclient.NewSSEMCPClient(cfg.URL, mcpclient.WithHeaders(cfg.Headers))
	case "http":
		return mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
	default:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	}
}

// classifyProbeError distinguishes auth rejections from plain failures.
func classifyProbeError(err error) v1.MCPServerState {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(strings.ToLower(msg), "unauthorized") {
		return v1.MCPServerNeedsAuth
	}
	return v1.MCPServerFailed
}
