// Package backend defines the leaf Backend[T, ID] contract that every
// concrete storage adapter satisfies, the query/pagination value types,
// and the composite backend that fans reads and writes across a primary,
// an optional fallback and an optional cache.
package backend

// Operator is a query filter operator.
type Operator string

const (
	OpEqual              Operator = "="
	OpNotEqual           Operator = "!="
	OpIsNull             Operator = "null?"
	OpIsNotNull          Operator = "not_null?"
	OpLessThan           Operator = "<"
	OpLessOrEqual        Operator = "<="
	OpGreaterThan        Operator = ">"
	OpGreaterOrEqual     Operator = ">="
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpArrayContains      Operator = "array-contains"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpContains           Operator = "contains"
	OpStartsWith         Operator = "starts-with"
	OpEndsWith           Operator = "ends-with"
)

// Filter is a single field predicate.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// OrderSpec is an order-by pair.
type OrderSpec struct {
	Field      string
	Descending bool
}

// Query is the filter/order/pagination-window value space shared by
// GetAll, GetAllPaged, WatchAll, DeleteWhere and invalidate_where.
// Pagination is forward (First/After) xor backward (Last/Before); both
// being set is caller error, left to the backend to reject.
type Query struct {
	Filters []Filter
	Order   []OrderSpec

	First *int
	After *string

	Last   *int
	Before *string
}

// PageInfo describes one page's position: EndCursor is present iff
// HasNextPage is true.
type PageInfo struct {
	HasNextPage     bool
	HasPreviousPage bool
	StartCursor     *string
	EndCursor       *string
	TotalCount      *int
}

// PagedResult carries one page of items plus its PageInfo.
type PagedResult[T any] struct {
	Items    []T
	PageInfo PageInfo
}
