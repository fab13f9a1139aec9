// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Session() config.SessionConfig {
	args := m.Called()
	return args.Get(0).(config.SessionConfig)
}

func (m *MockConfig) Wait() config.WaitConfig {
	args := m.Called()
	return args.Get(0).(config.WaitConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserBackend(b string) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetWaitTimeout(d time.Duration) {
	m.Called(d)
}

// -- Transport Mock --

// MockTransport mocks wire.Transport.
type MockTransport struct {
	mock.Mock
}

// Execute returns whatever the test configured. The first return value may be
// a json.RawMessage, any other value (marshaled to JSON) or nil.
func (m *MockTransport) Execute(ctx context.Context, contextID string, cmd wire.Command, params any) (json.RawMessage, error) {
	args := m.Called(ctx, contextID, cmd, params)
	var raw json.RawMessage
	switch v := args.Get(0).(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			panic("mocks: cannot marshal configured reply: " + err.Error())
		}
		raw = encoded
	}
	return raw, args.Error(1)
}

func (m *MockTransport) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var (
	_ config.Interface = (*MockConfig)(nil)
	_ wire.Transport   = (*MockTransport)(nil)
)
