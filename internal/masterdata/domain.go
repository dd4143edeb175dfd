package masterdata

import "github.com/shopspring/decimal"

// AccountClass groups GL accounts by accounting treatment.
type AccountClass string

const (
	AccountClassAsset     AccountClass = "ASSET"
	AccountClassLiability AccountClass = "LIABILITY"
	AccountClassEquity    AccountClass = "EQUITY"
	AccountClassRevenue   AccountClass = "REVENUE"
	AccountClassExpense   AccountClass = "EXPENSE"
)

// MaterialKind distinguishes raw material, semi-finished and finished goods.
type MaterialKind string

const (
	MaterialKindRaw          MaterialKind = "RAW"
	MaterialKindSemiFinished MaterialKind = "SEMI"
	MaterialKindFinished     MaterialKind = "FINISHED"
	MaterialKindTrading      MaterialKind = "TRADING"
)

// Material is upstream master data, read-only for the posting engine.
type Material struct {
	ID                 int64
	Code               string
	Name               string
	Unit               string
	Kind               MaterialKind
	ValuationClass     string
	StandardCost       decimal.Decimal
	ShelfLifeDays      int
	RequiresBatch      bool
	RequiresInspection bool
	AllowNegativeStock bool
}

// Plant is a physical site belonging to a company.
type Plant struct {
	ID        int64
	Code      string
	Name      string
	CompanyID int64
}

// WorkCenter is a production resource with an hourly rate.
type WorkCenter struct {
	ID           int64
	Code         string
	Name         string
	PlantID      int64
	CostCenterID int64
	HourlyCost   decimal.Decimal
}

// CostCenter accumulates activity cost within a company.
type CostCenter struct {
	ID        int64
	Code      string
	Name      string
	CompanyID int64
}

// Company is the legal entity ledger entries are scoped to.
type Company struct {
	ID   int64
	Code string
	Name string
}

// GLAccount is a general-ledger account from the account master.
type GLAccount struct {
	ID    int64
	Code  string
	Name  string
	Class AccountClass
}
