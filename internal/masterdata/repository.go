package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository reads master data owned by upstream subsystems. The posting
// engine never writes through it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetMaterial fetches a material by id.
func (r *Repository) GetMaterial(ctx context.Context, id int64) (Material, error) {
	var m Material
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, unit, kind, valuation_class, standard_cost, COALESCE(shelf_life_days, 0), requires_batch, requires_inspection, allow_negative_stock
FROM materials WHERE id=$1`, id).
		Scan(&m.ID, &m.Code, &m.Name, &m.Unit, &m.Kind, &m.ValuationClass, &m.StandardCost, &m.ShelfLifeDays, &m.RequiresBatch, &m.RequiresInspection, &m.AllowNegativeStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Material{}, fmt.Errorf("masterdata: material %d: %w", id, shared.ErrNotFound)
		}
		return Material{}, err
	}
	return m, nil
}

// GetPlant fetches a plant by id.
func (r *Repository) GetPlant(ctx context.Context, id int64) (Plant, error) {
	var p Plant
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, company_id FROM plants WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.CompanyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plant{}, fmt.Errorf("masterdata: plant %d: %w", id, shared.ErrNotFound)
		}
		return Plant{}, err
	}
	return p, nil
}

// GetWorkCenter fetches a work center by id.
func (r *Repository) GetWorkCenter(ctx context.Context, id int64) (WorkCenter, error) {
	var wc WorkCenter
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, plant_id, COALESCE(cost_center_id, 0), hourly_cost FROM work_centers WHERE id=$1`, id).
		Scan(&wc.ID, &wc.Code, &wc.Name, &wc.PlantID, &wc.CostCenterID, &wc.HourlyCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkCenter{}, fmt.Errorf("masterdata: work center %d: %w", id, shared.ErrNotFound)
		}
		return WorkCenter{}, err
	}
	return wc, nil
}

// GetCostCenter fetches a cost center by id.
func (r *Repository) GetCostCenter(ctx context.Context, id int64) (CostCenter, error) {
	var cc CostCenter
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, company_id FROM cost_centers WHERE id=$1`, id).
		Scan(&cc.ID, &cc.Code, &cc.Name, &cc.CompanyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CostCenter{}, fmt.Errorf("masterdata: cost center %d: %w", id, shared.ErrNotFound)
		}
		return CostCenter{}, err
	}
	return cc, nil
}

// GetCompany fetches a company by id.
func (r *Repository) GetCompany(ctx context.Context, id int64) (Company, error) {
	var c Company
	err := r.pool.QueryRow(ctx, `SELECT id, code, name FROM companies WHERE id=$1`, id).
		Scan(&c.ID, &c.Code, &c.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, fmt.Errorf("masterdata: company %d: %w", id, shared.ErrNotFound)
		}
		return Company{}, err
	}
	return c, nil
}

// GetAccountByCode fetches a GL account from the account master.
func (r *Repository) GetAccountByCode(ctx context.Context, code string) (GLAccount, error) {
	var a GLAccount
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, class FROM gl_accounts WHERE code=$1`, code).
		Scan(&a.ID, &a.Code, &a.Name, &a.Class)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GLAccount{}, fmt.Errorf("masterdata: gl account %s: %w", code, shared.ErrNotFound)
		}
		return GLAccount{}, err
	}
	return a, nil
}
