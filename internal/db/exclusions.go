package db

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/scanfleet/internal/errors"
)

// ExclRepository manages exclusion rules.
type ExclRepository struct {
	db *DB
}

// NewExclRepository creates a new exclusion repository.
func NewExclRepository(db *DB) *ExclRepository {
	return &ExclRepository{db: db}
}

// ValidateExcl checks that the rule value parses for its family.
func ValidateExcl(e *Excl) error {
	switch e.Family {
	case ExclNetwork:
		if _, err := netip.ParsePrefix(e.Value); err != nil {
			if _, addrErr := netip.ParseAddr(e.Value); addrErr == nil {
				return nil
			}
			return errors.WrapConfigError(errors.CodeValidation,
				fmt.Sprintf("invalid exclusion network %q", e.Value), err)
		}
	case ExclRegex:
		if _, err := regexp.Compile(e.Value); err != nil {
			return errors.WrapConfigError(errors.CodeValidation,
				fmt.Sprintf("invalid exclusion regex %q", e.Value), err)
		}
	default:
		return errors.ErrConfigInvalid("excl.family", e.Family)
	}
	return nil
}

// List returns all exclusion rules.
func (r *ExclRepository) List(ctx context.Context) ([]*Excl, error) {
	return ListExclusions(ctx, r.db)
}

// ListExclusions loads exclusion rules through any query handle.
func ListExclusions(ctx context.Context, q sqlx.QueryerContext) ([]*Excl, error) {
	var rules []*Excl
	if err := sqlx.SelectContext(ctx, q, &rules,
		`SELECT id, family, value, comment FROM excl ORDER BY id`); err != nil {
		return nil, SanitizeError("list exclusions", err)
	}
	return rules, nil
}

// Create validates and stores a rule.
func (r *ExclRepository) Create(ctx context.Context, e *Excl) error {
	if err := ValidateExcl(e); err != nil {
		return err
	}

	query := `INSERT INTO excl (family, value, comment) VALUES ($1, $2, $3) RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query, e.Family, e.Value, e.Comment).Scan(&e.ID); err != nil {
		return SanitizeError("create exclusion", err)
	}
	return nil
}

// Delete removes a rule by id.
func (r *ExclRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM excl WHERE id = $1`, id)
	if err != nil {
		return SanitizeError("delete exclusion", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return SanitizeError("delete exclusion", err)
	}
	if rowsAffected == 0 {
		return errors.NewDatabaseError(errors.CodeNotFound, "Exclusion not found")
	}
	return nil
}
