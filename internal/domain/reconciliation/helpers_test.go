package reconciliation

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}

func manualTxn(id, accountID, amount, date string) Transaction {
	return Transaction{ID: id, AccountID: accountID, Amount: dec(amount), PostedAt: day(date), Source: SourceManual}
}

func importTxn(id, accountID, amount, date string) Transaction {
	return Transaction{ID: id, AccountID: accountID, Amount: dec(amount), PostedAt: day(date), Source: SourceOFX}
}

func ids(txns []Transaction) []string {
	out := make([]string, len(txns))
	for i, t := range txns {
		out[i] = t.ID
	}
	return out
}
