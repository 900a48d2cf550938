package database

type PollRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreatePoll(params CreatePollParams) (Poll, error)
	GetPollByExternalId(externalId string) (Poll, error)
	ListPolls(ownerId int) ([]Poll, error)
	PublishPoll(pollId int) (Poll, error)
	DeletePoll(pollId int) error
	CastVote(accountId, pollId, optionId int) (VoteStatus, error)
	GetPollTally(pollId int) ([]OptionCount, int, error)
}
