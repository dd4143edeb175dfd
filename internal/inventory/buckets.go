package inventory

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/accounting"
	"github.com/meridian-erp/meridian-erp/internal/masterdata"
)

// accountBuckets accumulates item amounts per resolved GL account. Multiple
// items may share an account; the ledger entry gets one line per bucket, in
// first-seen order.
type accountBuckets struct {
	order    []string
	accounts map[string]masterdata.GLAccount
	amounts  map[string]decimal.Decimal
}

func newAccountBuckets() *accountBuckets {
	return &accountBuckets{
		accounts: make(map[string]masterdata.GLAccount),
		amounts:  make(map[string]decimal.Decimal),
	}
}

func (b *accountBuckets) add(account masterdata.GLAccount, amount decimal.Decimal) {
	if _, ok := b.accounts[account.Code]; !ok {
		b.order = append(b.order, account.Code)
		b.accounts[account.Code] = account
		b.amounts[account.Code] = decimal.Zero
	}
	b.amounts[account.Code] = b.amounts[account.Code].Add(amount)
}

// buildLedgerLines turns the two account buckets into balanced ledger lines.
// Debit movements debit inventory and credit the offset; credit movements do
// the opposite.
func buildLedgerLines(side PostingSide, inventory, offset *accountBuckets) []accounting.WriteLine {
	lines := make([]accounting.WriteLine, 0, len(inventory.order)+len(offset.order))
	for _, code := range inventory.order {
		account := inventory.accounts[code]
		line := accounting.WriteLine{AccountID: account.ID, AccountCode: account.Code}
		if side == SideDebit {
			line.Debit = inventory.amounts[code]
		} else {
			line.Credit = inventory.amounts[code]
		}
		lines = append(lines, line)
	}
	for _, code := range offset.order {
		account := offset.accounts[code]
		line := accounting.WriteLine{AccountID: account.ID, AccountCode: account.Code}
		if side == SideDebit {
			line.Credit = offset.amounts[code]
		} else {
			line.Debit = offset.amounts[code]
		}
		lines = append(lines, line)
	}
	return lines
}
