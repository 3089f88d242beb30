package proto

import (
	"context"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/stretchr/testify/mock"
)

// MockHandshaker implements the Handshaker interface.
type MockHandshaker struct {
	mock.Mock
}

// Compile time assertion that MockHandshaker implements Handshaker.
var _ Handshaker = (*MockHandshaker)(nil)

func (m *MockHandshaker) Handshake(ctx context.Context, conn net.Conn,
	target linkspec.ChanTarget) (Channel, error) {

	args := m.Called(ctx, conn, target)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(Channel), args.Error(1)
}

// MockChannel implements the Channel interface.
type MockChannel struct {
	mock.Mock
}

// Compile time assertion that MockChannel implements Channel.
var _ Channel = (*MockChannel)(nil)

func (m *MockChannel) Target() *linkspec.OwnedChanTarget {
	args := m.Called()

	return args.Get(0).(*linkspec.OwnedChanTarget)
}

func (m *MockChannel) CheckMatch(target linkspec.ChanTarget) error {
	args := m.Called(target)

	return args.Error(0)
}

func (m *MockChannel) IsClosing() bool {
	args := m.Called()

	return args.Bool(0)
}

func (m *MockChannel) UnusedSince() fn.Option[time.Time] {
	args := m.Called()

	return args.Get(0).(fn.Option[time.Time])
}

func (m *MockChannel) Reparameterize(params PaddingParams) error {
	args := m.Called(params)

	return args.Error(0)
}

func (m *MockChannel) NewCirc(ctx context.Context) (PendingCirc, error) {
	args := m.Called(ctx)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(PendingCirc), args.Error(1)
}

func (m *MockChannel) Close() error {
	args := m.Called()

	return args.Error(0)
}

// MockPendingCirc implements the PendingCirc interface.
type MockPendingCirc struct {
	mock.Mock
}

// Compile time assertion that MockPendingCirc implements PendingCirc.
var _ PendingCirc = (*MockPendingCirc)(nil)

func (m *MockPendingCirc) CreateFirstHopFast(ctx context.Context,
	params CircParameters) (Circuit, error) {

	args := m.Called(ctx, params)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(Circuit), args.Error(1)
}

func (m *MockPendingCirc) CreateFirstHopNtor(ctx context.Context,
	target linkspec.CircTarget, params CircParameters) (Circuit, error) {

	args := m.Called(ctx, target, params)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(Circuit), args.Error(1)
}

// MockCircuit implements the Circuit interface.
type MockCircuit struct {
	mock.Mock
}

// Compile time assertion that MockCircuit implements Circuit.
var _ Circuit = (*MockCircuit)(nil)

func (m *MockCircuit) ExtendNtor(ctx context.Context,
	target linkspec.CircTarget, params CircParameters) error {

	args := m.Called(ctx, target, params)

	return args.Error(0)
}

func (m *MockCircuit) NHops() int {
	args := m.Called()

	return args.Int(0)
}

func (m *MockCircuit) IsClosing() bool {
	args := m.Called()

	return args.Bool(0)
}

func (m *MockCircuit) Terminate() {
	m.Called()
}
