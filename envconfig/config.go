package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/vlama/vlama/logutil"
)

// Host returns the scheme and host. Host can be configured via the VLAMA_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11534"
func Host() *url.URL {
	defaultPort := "11534"

	s := strings.TrimSpace(Var("VLAMA_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// Origins returns a list of allowed origins. Origins can be configured via the VLAMA_ORIGINS environment variable.
func Origins() (origins []string) {
	if s := Var("VLAMA_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	origins = append(origins,
		"app://*",
		"file://*",
		"tauri://*",
		"vscode-webview://*",
		"vscode-file://*",
	)

	return origins
}

// Models returns the path to the models directory. Models directory can be configured via the VLAMA_MODELS environment variable.
// Default is $HOME/.vlama/models
func Models() string {
	if s := Var("VLAMA_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".vlama", "models")
}

// KeepAlive returns the duration that models stay loaded in memory. KeepAlive can be configured via the VLAMA_KEEP_ALIVE environment variable.
// Negative values are treated as infinite. Zero is treated as no keep alive.
// Default is 5 minutes.
func KeepAlive() (keepAlive time.Duration) {
	keepAlive = 5 * time.Minute
	if s := Var("VLAMA_KEEP_ALIVE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			keepAlive = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			keepAlive = time.Duration(n) * time.Second
		}
	}

	if keepAlive < 0 {
		return time.Duration(math.MaxInt64)
	}

	return keepAlive
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VLAMA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.LevelDebug
			if i > 1 {
				level = logutil.LevelTrace
			}
		}
	}

	return level
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return false
	}
}

// Debug enables additional debug information.
var Debug = Bool("VLAMA_DEBUG")

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// MaxSessions sets the maximum number of generation sessions that may run concurrently.
	MaxSessions = Uint("VLAMA_MAX_SESSIONS", 1)
	// MaxQueue sets the maximum number of queued requests.
	MaxQueue = Uint("VLAMA_MAX_QUEUE", 512)
	// Threads sets the number of worker goroutines the numeric backend may use. 0 selects GOMAXPROCS.
	Threads = Uint("VLAMA_NUM_THREADS", 0)
)

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"VLAMA_DEBUG":        {"VLAMA_DEBUG", Debug(), "Show additional debug information (e.g. VLAMA_DEBUG=1)"},
		"VLAMA_HOST":         {"VLAMA_HOST", Host(), "IP Address for the vlama server (default 127.0.0.1:11534)"},
		"VLAMA_KEEP_ALIVE":   {"VLAMA_KEEP_ALIVE", KeepAlive(), "The duration that models stay loaded in memory (default \"5m\")"},
		"VLAMA_MAX_QUEUE":    {"VLAMA_MAX_QUEUE", MaxQueue(), "Maximum number of queued requests"},
		"VLAMA_MAX_SESSIONS": {"VLAMA_MAX_SESSIONS", MaxSessions(), "Maximum number of concurrent generation sessions"},
		"VLAMA_MODELS":       {"VLAMA_MODELS", Models(), "The path to the models directory"},
		"VLAMA_NUM_THREADS":  {"VLAMA_NUM_THREADS", Threads(), "Number of backend worker threads (default: number of CPUs)"},
		"VLAMA_ORIGINS":      {"VLAMA_ORIGINS", Origins(), "A comma separated list of allowed origins"},
	}

	return ret
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// NumThreads resolves Threads against the machine, falling back to the
// number of CPUs when unset.
func NumThreads() int {
	if n := Threads(); n > 0 {
		return int(n)
	}

	return runtime.NumCPU()
}
