package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the broker configuration file.
type fileConfig struct {
	// Router lists the endpoints clients and child brokers connect to,
	// separated by commas. Only the first one is served.
	Router string `yaml:"router"`
	// Advertise is the endpoint handed to child brokers, when it differs
	// from the bound router address.
	Advertise string `yaml:"advertise"`
	// Dealer is the parent broker. Empty makes this broker the root.
	Dealer   string `yaml:"dealer"`
	Scope    string `yaml:"scope"`
	Keyfile  string `yaml:"keyfile"`
	Rest     string `yaml:"rest"`
	Secret   string `yaml:"secret"`
	LogLevel string `yaml:"loglevel"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Router:   "tcp://*:5555",
		Scope:    "0",
		Keyfile:  "broker-keys.yaml",
		LogLevel: "i",
	}
}

// loadFileConfig reads path over the defaults. An empty path yields the
// defaults.
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// normalizeEndpoint turns "tcp://*:5555" style endpoints into host:port.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "tcp://")
	if strings.HasPrefix(endpoint, "*:") {
		endpoint = "0.0.0.0" + strings.TrimPrefix(endpoint, "*")
	}
	return endpoint
}

// routerEndpoints splits the router list into the served endpoint and the
// ignored rest.
func routerEndpoints(router string) (string, []string) {
	var endpoints []string
	for _, ep := range strings.Split(router, ",") {
		if ep = normalizeEndpoint(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return "", nil
	}
	return endpoints[0], endpoints[1:]
}

// newLogger maps the single letter log levels to a slog logger. "q" silences
// all output.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	switch level {
	case "e":
		l = slog.LevelError
	case "w":
		l = slog.LevelWarn
	case "n", "i", "":
		l = slog.LevelInfo
	case "d":
		l = slog.LevelDebug
	case "q":
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	default:
		return nil, fmt.Errorf("unknown log level %q, want one of e, w, n, i, d, q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
