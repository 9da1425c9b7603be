package mocks

import (
	"context"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/sdk"
	"github.com/stretchr/testify/mock"
)

var _ sdk.SDK = (*MockSDK)(nil)

// MockSDK is a mock implementation of the sdk.SDK interface
type MockSDK struct {
	mock.Mock
}

func (m *MockSDK) Register(ctx context.Context, clientID string) (sdk.Admission, error) {
	args := m.Called(ctx, clientID)
	return args.Get(0).(sdk.Admission), args.Error(1)
}

func (m *MockSDK) Heartbeat(ctx context.Context, clientID, token string) error {
	args := m.Called(ctx, clientID, token)
	return args.Error(0)
}

func (m *MockSDK) FetchTask(ctx context.Context, clientID, token string) (fl.Task, error) {
	args := m.Called(ctx, clientID, token)
	return args.Get(0).(fl.Task), args.Error(1)
}

func (m *MockSDK) SubmitWeights(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	args := m.Called(ctx, clientID, token, sub)
	return args.Get(0).(fl.SubmitStatus), args.Error(1)
}

func (m *MockSDK) Close(ctx context.Context, clientID, token string) error {
	args := m.Called(ctx, clientID, token)
	return args.Error(0)
}

func (m *MockSDK) Status(ctx context.Context) (sdk.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(sdk.Status), args.Error(1)
}
