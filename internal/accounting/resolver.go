package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/masterdata"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// MappingSource reads configured account determinations and the GL account
// master. Both are upstream configuration data.
type MappingSource interface {
	FindMapping(ctx context.Context, key MappingKey) (Mapping, bool, error)
	GetAccountByCode(ctx context.Context, code string) (masterdata.GLAccount, error)
}

// ResolvedAccounts is the outcome of a successful determination.
type ResolvedAccounts struct {
	Inventory masterdata.GLAccount
	Offset    masterdata.GLAccount
}

// Resolver maps a movement to GL accounts through a wildcard fallback
// hierarchy. The first configured mapping wins.
type Resolver struct {
	source MappingSource
}

// NewResolver constructs Resolver.
func NewResolver(source MappingSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve tries four candidate keys in strict priority order:
// exact(valuationClass, materialKind), wildcard materialKind, wildcard
// valuationClass, wildcard both. A missing mapping or a dangling account code
// is a non-retriable configuration error carrying the attempted keys.
func (r *Resolver) Resolve(ctx context.Context, movementKind, valuationClass, materialKind string, companyID int64) (ResolvedAccounts, error) {
	keys := candidateKeys(movementKind, valuationClass, materialKind, companyID)
	for _, key := range keys {
		mapping, ok, err := r.source.FindMapping(ctx, key)
		if err != nil {
			return ResolvedAccounts{}, fmt.Errorf("accounting: find mapping: %w", err)
		}
		if !ok {
			continue
		}
		inventory, err := r.lookupAccount(ctx, mapping.InventoryAccount, keys)
		if err != nil {
			return ResolvedAccounts{}, err
		}
		offset, err := r.lookupAccount(ctx, mapping.OffsetAccount, keys)
		if err != nil {
			return ResolvedAccounts{}, err
		}
		return ResolvedAccounts{Inventory: inventory, Offset: offset}, nil
	}
	return ResolvedAccounts{}, &ConfigError{Reason: "no account determination configured", Keys: keys}
}

func (r *Resolver) lookupAccount(ctx context.Context, code string, keys []MappingKey) (masterdata.GLAccount, error) {
	account, err := r.source.GetAccountByCode(ctx, code)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return masterdata.GLAccount{}, &ConfigError{
				Reason: fmt.Sprintf("mapped GL account %s does not exist", code),
				Keys:   keys,
			}
		}
		return masterdata.GLAccount{}, err
	}
	return account, nil
}

func candidateKeys(movementKind, valuationClass, materialKind string, companyID int64) []MappingKey {
	base := MappingKey{MovementKind: movementKind, CompanyID: companyID}
	exact := base
	exact.ValuationClass = valuationClass
	exact.MaterialKind = materialKind

	anyKind := base
	anyKind.ValuationClass = valuationClass
	anyKind.MaterialKind = Wildcard

	anyClass := base
	anyClass.ValuationClass = Wildcard
	anyClass.MaterialKind = materialKind

	anyBoth := base
	anyBoth.ValuationClass = Wildcard
	anyBoth.MaterialKind = Wildcard

	return []MappingKey{exact, anyKind, anyClass, anyBoth}
}
