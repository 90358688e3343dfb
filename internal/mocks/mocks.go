// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/session"
)

// -- Session Table Mock --

// MockSessions mocks the session table the API serves.
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Create(ctx context.Context, id, phone string) (session.Created, error) {
	args := m.Called(ctx, id, phone)
	return args.Get(0).(session.Created), args.Error(1)
}

func (m *MockSessions) Verify(ctx context.Context, id, code string) (session.Verification, error) {
	args := m.Called(ctx, id, code)
	return args.Get(0).(session.Verification), args.Error(1)
}

func (m *MockSessions) Get(id string) (session.Snapshot, error) {
	args := m.Called(id)
	return args.Get(0).(session.Snapshot), args.Error(1)
}

func (m *MockSessions) List() []session.Snapshot {
	args := m.Called()
	if list := args.Get(0); list != nil {
		return list.([]session.Snapshot)
	}
	return nil
}

func (m *MockSessions) Close(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSessions) CloseAll(ctx context.Context) int {
	return m.Called(ctx).Int(0)
}

func (m *MockSessions) Cleanup(ctx context.Context) int {
	return m.Called(ctx).Int(0)
}

func (m *MockSessions) Count() int {
	return m.Called().Int(0)
}

// -- Browser Mocks --

// MockBrowser mocks the shared browser handle.
type MockBrowser struct {
	mock.Mock
}

func (m *MockBrowser) Initialized() bool { return m.Called().Bool(0) }
func (m *MockBrowser) Connected() bool   { return m.Called().Bool(0) }

func (m *MockBrowser) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// NewTab lets MockBrowser stand in as a tab opener too.
func (m *MockBrowser) NewTab(ctx context.Context) (browser.Tab, error) {
	args := m.Called(ctx)
	if tab := args.Get(0); tab != nil {
		return tab.(browser.Tab), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockAutomator mocks the page driver.
type MockAutomator struct {
	mock.Mock
}

func (m *MockAutomator) RequestOTP(ctx context.Context, tab browser.Tab, phone string) (string, error) {
	args := m.Called(ctx, tab, phone)
	return args.String(0), args.Error(1)
}

func (m *MockAutomator) SubmitOTP(ctx context.Context, tab browser.Tab, code string) (bool, error) {
	args := m.Called(ctx, tab, code)
	return args.Bool(0), args.Error(1)
}
