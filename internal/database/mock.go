package database

import (
	"github.com/stretchr/testify/mock"
)

type MockSnapshotRepository struct {
	mock.Mock
}

func (m *MockSnapshotRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockSnapshotRepository) UpsertRecord(path string, value []byte) error {
	args := m.Called(path, value)
	return args.Error(0)
}
func (m *MockSnapshotRepository) DeleteRecord(path string) error {
	args := m.Called(path)
	return args.Error(0)
}
func (m *MockSnapshotRepository) ListRecords() ([]Record, error) {
	args := m.Called()
	if records, ok := args.Get(0).([]Record); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockSnapshotRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
