package db

// Exchange is one row of the exchanges table.
type Exchange struct {
	ID   int64
	Name string
}

// Account is an API credential set for one user on one exchange network.
type Account struct {
	ID           int64
	UserID       string
	ExchangeID   int64
	ExchangeName string
	Testnet      bool
	APIKey       string
	APISecret    string
	Active       bool
}

// AccountKey identifies one exchange connection.
type AccountKey struct {
	UserID     string
	ExchangeID int64
	Testnet    bool
}

// Key returns the account's connection key.
func (a Account) Key() AccountKey {
	return AccountKey{UserID: a.UserID, ExchangeID: a.ExchangeID, Testnet: a.Testnet}
}
