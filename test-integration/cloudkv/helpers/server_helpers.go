// Package helpers provides server lifecycle and HTTP helpers for the
// integration suite.
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	v1 "github.com/stacklok/cloudkv/internal/api/v1"
	"github.com/stacklok/cloudkv/internal/app"
	"github.com/stacklok/cloudkv/internal/app/storage"
	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/memory"
	"github.com/stacklok/cloudkv/internal/status"
)

// ServerTestHelper manages the cloudkv server lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	cfg        *config.Config
	factory    storage.Factory
	baseURL    string
	address    string
	httpClient *http.Client
	app        *app.App
}

// NewServerTestHelper creates a helper for the server described by the
// configuration file at configPath.
func NewServerTestHelper(ctx context.Context, configPath string) (*ServerTestHelper, error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newServerTestHelper(ctx, cfg, nil)
}

// NewMemoryServerTestHelper creates a helper for a server backed by store,
// which the test can drive with ApplyExternalChange.
func NewMemoryServerTestHelper(ctx context.Context, store *memory.Store, syncCfg *config.SyncConfig) (*ServerTestHelper, error) {
	return newServerTestHelper(ctx, &config.Config{Sync: syncCfg}, &memoryFactory{store: store})
}

func newServerTestHelper(ctx context.Context, cfg *config.Config, factory storage.Factory) (*ServerTestHelper, error) {
	address, err := freeAddress()
	if err != nil {
		return nil, err
	}
	return &ServerTestHelper{
		ctx:     ctx,
		cfg:     cfg,
		factory: factory,
		baseURL: "http://" + address,
		address: address,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// StartServer builds the application and serves it in the background
func (s *ServerTestHelper) StartServer() error {
	opts := []app.AppOption{
		app.WithConfig(s.cfg),
		app.WithAddress(s.address),
	}
	if s.factory != nil {
		opts = append(opts, app.WithStorageFactory(s.factory))
	}

	a, err := app.NewApp(s.ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	s.app = a

	go func() {
		if err := a.Start(); err != nil {
			// The test fails when it tries to connect
			fmt.Fprintf(os.Stderr, "Server start failed: %v\n", err)
		}
	}()

	return nil
}

// StopServer gracefully stops the server
func (s *ServerTestHelper) StopServer() error {
	if s.app != nil {
		return s.app.Stop(5 * time.Second)
	}
	return nil
}

// WaitForServerReady waits for the server to be ready to accept requests
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 50*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// WaitForSyncPhase waits until GET /v1/sync/status reports one of phases
func (s *ServerTestHelper) WaitForSyncPhase(timeout time.Duration, phases ...status.SyncPhase) status.SyncStatus {
	var st status.SyncStatus
	gomega.Eventually(func() (status.SyncPhase, error) {
		var err error
		st, err = s.SyncStatus()
		return st.Phase, err
	}, timeout, 25*time.Millisecond).Should(gomega.BeElementOf(phases))
	return st
}

// Keys makes a GET request to /v1/keys
func (s *ServerTestHelper) Keys() ([]string, error) {
	var out v1.KeyListResponse
	if err := s.getJSON("/v1/keys", &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// GetValue makes a GET request to /v1/keys/{key}
func (s *ServerTestHelper) GetValue(key string) (*http.Response, error) {
	return s.httpClient.Get(s.baseURL + "/v1/keys/" + key)
}

// SetValue makes a PUT request to /v1/keys/{key} with value encoded as JSON
func (s *ServerTestHelper) SetValue(key string, value any) (*http.Response, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(v1.SetValueRequest{Value: raw})
	if err != nil {
		return nil, err
	}
	return s.do(http.MethodPut, "/v1/keys/"+key, body)
}

// RemoveValue makes a DELETE request to /v1/keys/{key}
func (s *ServerTestHelper) RemoveValue(key string) (*http.Response, error) {
	return s.do(http.MethodDelete, "/v1/keys/"+key, nil)
}

// Sync makes a POST request to /v1/sync and decodes the resulting status
func (s *ServerTestHelper) Sync() (status.SyncStatus, error) {
	resp, err := s.do(http.MethodPost, "/v1/sync", nil)
	if err != nil {
		return status.SyncStatus{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return status.SyncStatus{}, fmt.Errorf("sync returned status %d", resp.StatusCode)
	}
	var out v1.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return status.SyncStatus{}, err
	}
	return out.Status, nil
}

// SyncStatus makes a GET request to /v1/sync/status
func (s *ServerTestHelper) SyncStatus() (status.SyncStatus, error) {
	var out v1.SyncResponse
	if err := s.getJSON("/v1/sync/status", &out); err != nil {
		return status.SyncStatus{}, err
	}
	return out.Status, nil
}

// GetBaseURL returns the base URL of the server
func (s *ServerTestHelper) GetBaseURL() string {
	return s.baseURL
}

func (s *ServerTestHelper) do(method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, method, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.httpClient.Do(req)
}

func (s *ServerTestHelper) getJSON(path string, out any) error {
	resp, err := s.httpClient.Get(s.baseURL + path)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WriteFileConfigYAML writes a configuration for a file-backed store whose
// status is kept under dir, and returns its path and the store document path.
func WriteFileConfigYAML(dir, storeName, timeout string) (configPath, documentPath string) {
	documentPath = filepath.Join(dir, "values.json")
	content := fmt.Sprintf(`storeName: %s
statusDir: %s
storage:
  file:
    path: %s
    lockRetryDelay: 5ms
    watchInterval: 10ms
sync:
  pollInterval: 10ms
  timeout: %s
`, storeName, filepath.Join(dir, "status"), documentPath, timeout)

	configPath = filepath.Join(dir, "config.yaml")
	err := os.WriteFile(configPath, []byte(content), 0600)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return configPath, documentPath
}

// memoryFactory hands an existing memory store to the application
type memoryFactory struct {
	store *memory.Store
}

func (*memoryFactory) Type() string { return config.StorageTypeMemory }

func (f *memoryFactory) CreateStore(context.Context) (kv.Store, error) { return f.store, nil }

func (*memoryFactory) CreateStatusPersistence() status.StatusPersistence { return nil }

func freeAddress() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to find a free port: %w", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		return "", err
	}
	return addr, nil
}
