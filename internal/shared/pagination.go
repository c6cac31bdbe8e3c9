package shared

import (
	"math"
	"net/url"
	"strconv"
)

// DefaultPageSize applies when callers do not ask for a size.
const DefaultPageSize = 20

// MaxPageSize caps requested page sizes.
const MaxPageSize = 200

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = DefaultPageSize
	}
	if perPage > MaxPageSize {
		perPage = MaxPageSize
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Offset returns the row offset for the current page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// HasNext reports whether a page follows the current one.
func (p Pagination) HasNext() bool {
	return p.Page < p.TotalPages
}

// HasPrevious reports whether a page precedes the current one.
func (p Pagination) HasPrevious() bool {
	return p.Page > 1
}

// PageRequest is the page window requested by a caller.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize fills defaults and clamps the page size.
func (r PageRequest) Normalize() PageRequest {
	p := NewPagination(r.Page, r.PageSize, 0)
	return PageRequest{Page: p.Page, PageSize: p.PerPage}
}

// Offset returns the row offset of the request.
func (r PageRequest) Offset() int {
	n := r.Normalize()
	return (n.Page - 1) * n.PageSize
}

// Window slices items for the request, returning the page and the total.
func Window[T any](items []T, req PageRequest) ([]T, int) {
	req = req.Normalize()
	total := len(items)
	start := req.Offset()
	if start >= total {
		return []T{}, total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}
	return items[start:end], total
}

// Page is the list envelope returned by every listing endpoint.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// NewPage builds the envelope. Links are derived from base by replacing the
// page query parameter; base may be nil when links are not needed.
func NewPage[T any](results []T, total int, req PageRequest, base *url.URL) Page[T] {
	req = req.Normalize()
	if results == nil {
		results = []T{}
	}
	p := NewPagination(req.Page, req.PageSize, total)
	page := Page[T]{Count: total, Results: results}
	if base == nil {
		return page
	}
	if p.HasNext() {
		link := pageLink(base, p.Page+1)
		page.Next = &link
	}
	if p.HasPrevious() {
		link := pageLink(base, p.Page-1)
		page.Previous = &link
	}
	return page
}

func pageLink(base *url.URL, page int) string {
	u := *base
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
