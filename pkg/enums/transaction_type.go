package enums

import "fmt"

// TransactionType classifies append-only ledger rows.
type TransactionType string

const (
	TransactionIssue    TransactionType = "issue"
	TransactionPurchase TransactionType = "purchase"
	TransactionSale     TransactionType = "sale"
)

var validTransactionTypes = []TransactionType{
	TransactionIssue,
	TransactionPurchase,
	TransactionSale,
}

func (t TransactionType) IsValid() bool {
	for _, candidate := range validTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

func ParseTransactionType(value string) (TransactionType, error) {
	for _, candidate := range validTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}
