//go:build test

// Package mocks holds testify mocks for the go-ble interfaces used by the
// goble radio backend. Only the methods the backend calls are mocked; the
// embedded interface is nil and panics if anything else is reached.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice mocks ble.Device
type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (m *MockDevice) Stop() error {
	return m.Called().Error(0)
}

// MockClient mocks ble.Client plus the CoreBluetooth Disconnected() extension.
type MockClient struct {
	ble.Client
	mock.Mock

	disconnected chan struct{}
}

// NewMockClient creates a client whose Disconnected channel closes on Drop.
func NewMockClient(name string) *MockClient {
	c := &MockClient{disconnected: make(chan struct{})}
	c.On("Name").Return(name).Maybe()
	return c
}

func (m *MockClient) Name() string {
	return m.Called().String(0)
}

func (m *MockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// Drop simulates the platform reporting the link as gone.
func (m *MockClient) Drop() {
	close(m.disconnected)
}

// MockAdvertisement mocks ble.Advertisement
type MockAdvertisement struct {
	ble.Advertisement
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) Services() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	v, _ := m.Called().Get(0).(ble.Addr)
	return v
}
