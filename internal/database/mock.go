package database

import (
	"github.com/stretchr/testify/mock"
)

type MockPollRepository struct {
	mock.Mock
}

func (m *MockPollRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockPollRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPollRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPollRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPollRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPollRepository) CreatePoll(params CreatePollParams) (Poll, error) {
	args := m.Called(params)
	return args.Get(0).(Poll), args.Error(1)
}
func (m *MockPollRepository) GetPollByExternalId(externalId string) (Poll, error) {
	args := m.Called(externalId)
	return args.Get(0).(Poll), args.Error(1)
}
func (m *MockPollRepository) ListPolls(ownerId int) ([]Poll, error) {
	args := m.Called(ownerId)
	return args.Get(0).([]Poll), args.Error(1)
}
func (m *MockPollRepository) PublishPoll(pollId int) (Poll, error) {
	args := m.Called(pollId)
	return args.Get(0).(Poll), args.Error(1)
}
func (m *MockPollRepository) DeletePoll(pollId int) error {
	args := m.Called(pollId)
	return args.Error(0)
}
func (m *MockPollRepository) CastVote(accountId, pollId, optionId int) (VoteStatus, error) {
	args := m.Called(accountId, pollId, optionId)
	return args.Get(0).(VoteStatus), args.Error(1)
}
func (m *MockPollRepository) GetPollTally(pollId int) ([]OptionCount, int, error) {
	args := m.Called(pollId)
	return args.Get(0).([]OptionCount), args.Int(1), args.Error(2)
}
