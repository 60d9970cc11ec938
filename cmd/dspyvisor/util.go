package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/loykin/dspyvisor/internal/config"
	"github.com/loykin/dspyvisor/pkg/client"
)

// apiClient resolves the control API URL: --api-url, else the config file's
// server.listen and base_path.
func apiClient(flags *GlobalFlags) (*client.Client, error) {
	url := flags.APIUrl
	if url == "" {
		cfg, err := config.Load(flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		url = controlURL(cfg.Server)
	}
	return client.New(client.Config{BaseURL: url, Timeout: flags.APITimeout}), nil
}

func controlURL(s config.Server) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return "http://" + s.Listen + s.BasePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := s.BasePath
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + strings.TrimRight(base, "/")
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
