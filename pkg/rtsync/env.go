package rtsync

import (
	"fmt"
	"os"
	"strings"

	"github.com/Ratio1/rtsync_sdk_go/internal/seed"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

const (
	envMode      = "RTDB_RUNTIME_MODE"
	envAPIURL    = "RTDB_API_URL"
	envStreamURL = "RTDB_STREAM_URL"
	envToken     = "RTDB_TOKEN"
	envMockSeed  = "RTDB_MOCK_SEED"
	envConfig    = "RTSYNC_CONFIG"

	modeAuto = "auto"
	modeHTTP = "http"
	modeMock = "mock"
)

// NewFromEnv builds an engine and its client from environment variables and
// returns the resolved mode ("http" or "mock"). RTSYNC_CONFIG optionally
// names a YAML config file; connectionChanged can be set afterwards through
// Configure. The engine owns the client it created.
func NewFromEnv() (eng *Engine, mode string, err error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv(envConfig)); path != "" {
		if cfg, err = LoadConfig(path); err != nil {
			return nil, "", err
		}
	}

	mode = strings.ToLower(strings.TrimSpace(os.Getenv(envMode)))
	baseURL := strings.TrimSpace(os.Getenv(envAPIURL))

	var client *rtdb.Client
	switch mode {
	case "", modeAuto:
		if baseURL != "" {
			client, mode, err = newHTTPClient(baseURL, cfg)
		} else {
			client, mode, err = newMockClient()
		}
	case modeHTTP:
		if baseURL == "" {
			return nil, "", fmt.Errorf("rtsync: HTTP mode requires %s", envAPIURL)
		}
		client, mode, err = newHTTPClient(baseURL, cfg)
	case modeMock:
		client, mode, err = newMockClient()
	default:
		return nil, "", fmt.Errorf("rtsync: unsupported %s value %q", envMode, mode)
	}
	if err != nil {
		return nil, "", err
	}

	eng, err = New(client, cfg)
	if err != nil {
		client.Close()
		return nil, "", err
	}
	eng.ownsClient = true
	return eng, mode, nil
}

func newHTTPClient(baseURL string, cfg Config) (*rtdb.Client, string, error) {
	token := strings.TrimSpace(os.Getenv(envToken))
	if cfg.Auth && token == "" {
		return nil, "", fmt.Errorf("rtsync: auth is enabled but %s is empty", envToken)
	}
	opts := []rtdb.Option{rtdb.WithToken(token)}
	if streamURL := strings.TrimSpace(os.Getenv(envStreamURL)); streamURL != "" {
		opts = append(opts, rtdb.WithStreamURL(streamURL))
	}
	client, err := rtdb.New(baseURL, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("rtsync: init HTTP client: %w", err)
	}
	return client, modeHTTP, nil
}

func newMockClient() (*rtdb.Client, string, error) {
	store := mock.New()
	if path := strings.TrimSpace(os.Getenv(envMockSeed)); path != "" {
		entries, err := seed.Load(path)
		if err == nil {
			err = store.Seed(entries)
		}
		if err != nil {
			store.Close()
			return nil, "", fmt.Errorf("rtsync: mock seed: %w", err)
		}
	}
	return rtdb.NewWithBackend(store), modeMock, nil
}
