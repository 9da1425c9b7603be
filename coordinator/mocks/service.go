package mocks

import (
	"context"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/stretchr/testify/mock"
)

var _ coordinator.Service = (*MockService)(nil)

// MockService is a mock implementation of the coordinator.Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) Register(ctx context.Context, clientID, address string) (coordinator.Admission, error) {
	args := m.Called(ctx, clientID, address)
	return args.Get(0).(coordinator.Admission), args.Error(1)
}

func (m *MockService) Heartbeat(ctx context.Context, clientID, token string) error {
	args := m.Called(ctx, clientID, token)
	return args.Error(0)
}

func (m *MockService) FetchTask(ctx context.Context, clientID, token string) (fl.Task, error) {
	args := m.Called(ctx, clientID, token)
	return args.Get(0).(fl.Task), args.Error(1)
}

func (m *MockService) Submit(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	args := m.Called(ctx, clientID, token, sub)
	return args.Get(0).(fl.SubmitStatus), args.Error(1)
}

func (m *MockService) Close(ctx context.Context, clientID, token string) error {
	args := m.Called(ctx, clientID, token)
	return args.Error(0)
}

func (m *MockService) Status(ctx context.Context) (coordinator.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(coordinator.Status), args.Error(1)
}

func (m *MockService) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) Wait(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
