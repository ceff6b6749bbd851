package escrow

import (
	"context"
	"fmt"
	"strings"

	"escrowflow/agreement"
)

// ListFilters narrows and pages the escrow listing. Party matches either
// side of the agreement.
type ListFilters struct {
	Party     agreement.Identity
	State     State
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}

// List returns a filtered page of escrows plus the total match count.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	return s.store.List(ctx, filters)
}

func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if !filters.Party.IsZero() {
		where = append(where, fmt.Sprintf("(holder=$%d OR provider=$%d)", len(args)+1, len(args)+1))
		args = append(args, filters.Party.String())
	}
	if filters.State != "" {
		where = append(where, fmt.Sprintf("state=$%d::escrow_state", len(args)+1))
		args = append(args, string(filters.State))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM escrows%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		escrowColumns, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: query list: %w", err)
	}
	defer rows.Close()

	list := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: list rows: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM escrows" + whereClause
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count list: %w", err)
	}

	return list, total, nil
}

func mapSortKey(key string) string {
	switch key {
	case "amount":
		return "amount"
	case "state":
		return "state"
	case "fundedTimeout":
		return "funded_timeout"
	case "proofTimeout":
		return "proof_timeout"
	case "createdAt":
		fallthrough
	default:
		return "id"
	}
}
