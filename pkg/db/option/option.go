package option

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/rebill/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Operator string

const (
	EQ  Operator = "="
	GTE Operator = ">="
	LTE Operator = "<="
	GT  Operator = ">"
	LT  Operator = "<"
)

// Condition is a single column comparison.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

var allowedOperators = map[Operator]struct{}{EQ: {}, GTE: {}, LTE: {}, GT: {}, LT: {}}

// ApplyOperator adds a WHERE clause for the condition. Unknown operators and
// non-identifier field names are ignored.
func ApplyOperator(cond Condition) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if _, ok := allowedOperators[cond.Operator]; !ok || !isIdentifier(cond.Field) {
			return db
		}
		return db.Where(fmt.Sprintf("%s %s ?", cond.Field, cond.Operator), cond.Value)
	})
}

// QuerySortBy orders results by a whitelisted column.
type QuerySortBy struct {
	Field string
	Desc  bool
	Allow map[string]bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(sort.Field)
		if field == "" {
			field = "created_at"
			sort.Desc = true
		}
		if len(sort.Allow) > 0 && !sort.Allow[field] {
			return db
		}
		if !isIdentifier(field) {
			return db
		}
		direction := "asc"
		if sort.Desc {
			direction = "desc"
		}
		return db.Order(field + " " + direction)
	})
}

func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// ApplyPagination fetches one extra row so callers can tell whether more pages exist.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := page.PageSize
		if size <= 0 {
			size = 10
		}
		if page.PageToken != "" {
			if cursor, err := pagination.DecodeCursor(page.PageToken); err == nil && cursor.ID != "" {
				db = db.Where("id < ?", cursor.ID)
			}
		}
		return db.Limit(size + 1)
	})
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
