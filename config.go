package nprpc

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nikitapn/nprpc-go/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RuntimeConfig enumerates the options of spec.md §6, plus three
// additions: WSPort, the per-call timeout (CallTimeout) and the UDP
// reliable-mode retry knobs. The *_ms fields are whole milliseconds in
// the JSON file.
type RuntimeConfig struct {
	TCPPort           int    `json:"tcp_port"`
	UDPPort           int    `json:"udp_port"`
	HTTPPort          int    `json:"http_port"`
	HTTPSSLEnabled    bool   `json:"http_ssl_enabled"`
	HTTPCertFile      string `json:"http_cert_file"`
	HTTPKeyFile       string `json:"http_key_file"`
	WSPort            int    `json:"ws_port"`
	Hostname          string `json:"hostname"`
	LogLevel          string `json:"log_level"`
	UUID              string `json:"uuid"`
	WorkerThreadCount int    `json:"worker_thread_count"`

	CallTimeout time.Duration `json:"call_timeout_ms"`

	// UDP reliable-mode retry/backoff, spec.md §9 Open Question —
	// answered as configuration knobs rather than guessed constants.
	UDPRetryBudget    int           `json:"udp_retry_budget"`
	UDPRetryBaseDelay time.Duration `json:"udp_retry_base_delay_ms"`
}

// DefaultConfig mirrors spec.md §6: "Absent options default to
// disabled/off for transports, 2500 ms for timeouts, info for log level."
func DefaultConfig() RuntimeConfig {
	return RuntimeConfig{
		TCPPort:           0,
		UDPPort:           0,
		HTTPPort:          0,
		WSPort:            0,
		Hostname:          "localhost",
		LogLevel:          "info",
		WorkerThreadCount: 0,
		CallTimeout:       2500 * time.Millisecond,
		UDPRetryBudget:    5,
		UDPRetryBaseDelay: 50 * time.Millisecond,
	}
}

// LoadConfigFile reads and overlays a JSON config file on DefaultConfig,
// matching the teacher's jsoniter-based JSON idiom (cmn/cos/fs.go).
func LoadConfigFile(path string) (RuntimeConfig, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewCommFailure("reading config file", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, NewRpcError(KindBadInput, "config: "+err.Error())
	}
	// the *_ms keys hold milliseconds, not time.Duration nanoseconds
	var ms struct {
		CallTimeout       *int64 `json:"call_timeout_ms"`
		UDPRetryBaseDelay *int64 `json:"udp_retry_base_delay_ms"`
	}
	_ = json.Unmarshal(b, &ms) // same bytes already decoded above
	if ms.CallTimeout != nil {
		cfg.CallTimeout = time.Duration(*ms.CallTimeout) * time.Millisecond
	}
	if ms.UDPRetryBaseDelay != nil {
		cfg.UDPRetryBaseDelay = time.Duration(*ms.UDPRetryBaseDelay) * time.Millisecond
	}
	applyLogLevel(cfg.LogLevel)
	return cfg, nil
}

func applyLogLevel(level string) {
	switch level {
	case "error":
		nlog.SetLevel(nlog.LevelError)
	case "warning":
		nlog.SetLevel(nlog.LevelWarning)
	default:
		nlog.SetLevel(nlog.LevelInfo)
	}
}
