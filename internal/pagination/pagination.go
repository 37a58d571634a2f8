// Package pagination implements offset/limit paging over ordered lists.
//
// The contract every paged read follows:
//   - limit is clamped to [1, max]; zero or negative limits use the default
//   - offset at or beyond the total yields an empty page with the true total
//   - otherwise the page holds min(limit, total-offset) items from offset
package pagination

import "strconv"

const DefaultLimit = 20

// Page is one window of an ordered list plus the length of the whole list.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit, maxLimit int) int {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// Bounds returns the [start, end) window of a list of total items.
func Bounds(offset, limit, total int) (start, end int) {
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end = offset + limit
	if end > total || end < offset {
		end = total
	}
	return offset, end
}

// Slice pages an in-memory list. Items are copied so the caller may keep the
// page after the list changes.
func Slice[T any](items []T, offset, limit, maxLimit int) Page[T] {
	limit = ClampLimit(limit, maxLimit)
	start, end := Bounds(offset, limit, len(items))
	out := make([]T, end-start)
	copy(out, items[start:end])
	if offset < 0 {
		offset = 0
	}
	return Page[T]{Items: out, Total: len(items), Offset: offset, Limit: limit}
}

// Parse reads offset and limit query values. Malformed values fall back to
// zero and the default limit.
func Parse(offsetStr, limitStr string) (offset, limit int) {
	offset, err := strconv.Atoi(offsetStr)
	if err != nil || offset < 0 {
		offset = 0
	}
	limit, err = strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = DefaultLimit
	}
	return offset, limit
}
