//go:build test

package testutils

import (
	"context"
	"sync"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a radio.Adapter backed by testify/mock.
//
// Every command method is recorded and, unless overridden with Expect, returns
// nil. Events are injected with Emit, which returns only after the consumer
// has fully applied the event.
type MockAdapter struct {
	mock.Mock

	stream *radio.EventStream

	emitMu    sync.Mutex
	lastPower radio.PowerState
}

var _ radio.Adapter = (*MockAdapter)(nil)

var errNotKnown = &device.NotFoundError{Resource: "peripheral"}

// NewMockAdapter creates an adapter whose command methods all succeed.
func NewMockAdapter() *MockAdapter {
	a := &MockAdapter{stream: radio.NewEventStream(0)}
	a.On("Start", mock.Anything).Return(nil).Maybe()
	a.On("StartScan", mock.Anything).Return(nil).Maybe()
	a.On("StopScan").Return(nil).Maybe()
	a.On("Connect", mock.Anything).Return(nil).Maybe()
	a.On("CancelConnect", mock.Anything).Return(nil).Maybe()
	a.On("Disconnect", mock.Anything).Return(nil).Maybe()
	a.On("RetrieveKnown", mock.Anything, mock.Anything).
		Return(radio.Discovery{}, errNotKnown).Maybe()
	a.On("Close").Return(nil).Maybe()
	return a
}

// Expect drops the current expectations for method and registers a new one.
// Call it before the code under test runs.
func (a *MockAdapter) Expect(method string, args ...any) *mock.Call {
	kept := make([]*mock.Call, 0, len(a.ExpectedCalls))
	for _, c := range a.ExpectedCalls {
		if c.Method != method {
			kept = append(kept, c)
		}
	}
	a.ExpectedCalls = kept
	return a.On(method, args...)
}

// Emit delivers ev and waits until it has been applied.
//
// The stream is unbuffered, so once a follow-up no-op event (a repeat of the
// last power state) has been received, ev has been fully handled.
func (a *MockAdapter) Emit(ev radio.Event) bool {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	if !a.stream.Emit(ev) {
		return false
	}
	if ps, ok := ev.(radio.PowerStateChanged); ok {
		a.lastPower = ps.State
	}
	return a.stream.Emit(radio.PowerStateChanged{State: a.lastPower})
}

// EmitAsync delivers ev from a new goroutine; used from mock Run hooks that
// execute while the consumer holds its lock.
func (a *MockAdapter) EmitAsync(ev radio.Event) {
	go a.Emit(ev)
}

// PowerOnAtStart makes Start report a powered-on radio.
func (a *MockAdapter) PowerOnAtStart() *MockAdapter {
	a.Expect("Start", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		a.EmitAsync(radio.PowerStateChanged{State: radio.PoweredOn})
	})
	return a
}

// AdvertiseOnScan makes StartScan report each discovery in order.
func (a *MockAdapter) AdvertiseOnScan(discoveries ...radio.Discovery) *MockAdapter {
	a.Expect("StartScan", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		go func() {
			for _, d := range discoveries {
				if !a.Emit(radio.Discovered{Discovery: d}) {
					return
				}
			}
		}()
	})
	return a
}

// ConnectOnRequest makes Connect succeed and Disconnect complete cleanly.
func (a *MockAdapter) ConnectOnRequest() *MockAdapter {
	a.Expect("Connect", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		a.EmitAsync(radio.ConnectResult{ID: args.String(0)})
	})
	a.Expect("Disconnect", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		a.EmitAsync(radio.Disconnected{ID: args.String(0)})
	})
	return a
}

func (a *MockAdapter) Start(ctx context.Context) error {
	return a.Called(ctx).Error(0)
}

func (a *MockAdapter) Events() <-chan radio.Event {
	return a.stream.C()
}

func (a *MockAdapter) StartScan(services []string) error {
	return a.Called(services).Error(0)
}

func (a *MockAdapter) StopScan() error {
	return a.Called().Error(0)
}

func (a *MockAdapter) Connect(id string) error {
	return a.Called(id).Error(0)
}

func (a *MockAdapter) CancelConnect(id string) error {
	return a.Called(id).Error(0)
}

func (a *MockAdapter) Disconnect(id string) error {
	return a.Called(id).Error(0)
}

func (a *MockAdapter) RetrieveKnown(ctx context.Context, id string) (radio.Discovery, error) {
	args := a.Called(ctx, id)
	return args.Get(0).(radio.Discovery), args.Error(1)
}

func (a *MockAdapter) Close() error {
	err := a.Called().Error(0)
	a.stream.Close()
	return err
}
