package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerTransport is the wire transport used to reach a tool server.
type ServerTransport string

const (
	TransportStdio      ServerTransport = "stdio"
	TransportSSE        ServerTransport = "sse"
	TransportStreamHTTP ServerTransport = "streamhttp"
)

// ServerEntry is one tool server in the roster document. Enabled accepts a
// literal bool or an ${ENV_VAR} reference resolved at load time.
type ServerEntry struct {
	Name            string              `yaml:"name"`
	Transport       ServerTransport     `yaml:"transport"`
	URL             string              `yaml:"url,omitempty"`
	Command         string              `yaml:"command,omitempty"`
	Args            []string            `yaml:"args,omitempty"`
	Enabled         string              `yaml:"enabled,omitempty"`
	RefreshInterval int                 `yaml:"refresh_interval_seconds,omitempty"`
	CallTimeout     int                 `yaml:"call_timeout_seconds,omitempty"`
	PromptTools     []string            `yaml:"prompt_tools,omitempty"`
	ExampleIntent   string              `yaml:"example_intent,omitempty"`
	Examples        map[string][]string `yaml:"examples,omitempty"`
}

type ServerRoster struct {
	Servers []ServerEntry `yaml:"servers"`
}

const (
	defaultRefreshInterval = 60 * time.Second
	defaultCallTimeout     = 15 * time.Second
)

// LoadServers reads and validates the tool-server roster document.
func LoadServers(path string) (*ServerRoster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	return ParseServers(data)
}

func ParseServers(data []byte) (*ServerRoster, error) {
	var roster ServerRoster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse servers file: %w", err)
	}

	seen := make(map[string]struct{}, len(roster.Servers))
	for i, srv := range roster.Servers {
		if srv.Name == "" {
			return nil, fmt.Errorf("server %d: missing name", i)
		}
		if _, dup := seen[srv.Name]; dup {
			return nil, fmt.Errorf("server %q: duplicate name", srv.Name)
		}
		seen[srv.Name] = struct{}{}

		switch srv.Transport {
		case TransportStdio:
			if srv.Command == "" {
				return nil, fmt.Errorf("server %q: stdio transport requires command", srv.Name)
			}
		case TransportSSE, TransportStreamHTTP:
			if srv.URL == "" {
				return nil, fmt.Errorf("server %q: %s transport requires url", srv.Name, srv.Transport)
			}
		default:
			return nil, fmt.Errorf("server %q: unknown transport %q", srv.Name, srv.Transport)
		}
	}
	return &roster, nil
}

// IsEnabled resolves the Enabled field. Empty means enabled.
func (s *ServerEntry) IsEnabled() bool {
	v := strings.TrimSpace(s.Enabled)
	if v == "" {
		return true
	}
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		v = os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}"))
		if v == "" {
			return false
		}
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func (s *ServerEntry) RefreshEvery() time.Duration {
	if s.RefreshInterval > 0 {
		return time.Duration(s.RefreshInterval) * time.Second
	}
	return defaultRefreshInterval
}

func (s *ServerEntry) CallDeadline() time.Duration {
	if s.CallTimeout > 0 {
		return time.Duration(s.CallTimeout) * time.Second
	}
	return defaultCallTimeout
}

// InPrompt reports whether the named tool is in this server's prompt-inclusion
// allowlist. An absent allowlist includes every tool.
func (s *ServerEntry) InPrompt(tool string) bool {
	if len(s.PromptTools) == 0 {
		return true
	}
	for _, t := range s.PromptTools {
		if t == tool {
			return true
		}
	}
	return false
}
