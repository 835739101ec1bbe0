// Package mocks provides test doubles for the gmail client.
package mocks

import (
	"context"

	gmail "github.com/sells-group/firstmover/pkg/gmail"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// ListMessages provides a mock function with given fields: ctx, req
func (_m *MockClient) ListMessages(ctx context.Context, req gmail.ListRequest) (*gmail.ListResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for ListMessages")
	}

	var r0 *gmail.ListResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, gmail.ListRequest) (*gmail.ListResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, gmail.ListRequest) *gmail.ListResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*gmail.ListResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, gmail.ListRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GetMetadata provides a mock function with given fields: ctx, id
func (_m *MockClient) GetMetadata(ctx context.Context, id string) (*gmail.Message, error) {
	ret := _m.Called(ctx, id)

	if len(ret) == 0 {
		panic("no return value specified for GetMetadata")
	}

	var r0 *gmail.Message
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*gmail.Message, error)); ok {
		return rf(ctx, id)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) *gmail.Message); ok {
		r0 = rf(ctx, id)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*gmail.Message)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, id)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
