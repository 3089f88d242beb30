package guard

import (
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/stretchr/testify/mock"
)

// MockManager implements the Manager interface.
type MockManager struct {
	mock.Mock
}

// Compile time assertion that MockManager implements Manager.
var _ Manager = (*MockManager)(nil)

func (m *MockManager) SelectGuard(usage Usage, nd *netdir.NetDir) (*FirstHop,
	*Monitor, *Usable, error) {

	args := m.Called(usage, nd)

	if args.Get(0) == nil {
		return nil, nil, nil, args.Error(3)
	}

	return args.Get(0).(*FirstHop), args.Get(1).(*Monitor),
		args.Get(2).(*Usable), args.Error(3)
}

func (m *MockManager) UpdateNetParameters(params *netdir.NetParameters) {
	m.Called(params)
}

func (m *MockManager) StorePersistentState() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockManager) ReloadPersistentState() error {
	args := m.Called()

	return args.Error(0)
}
