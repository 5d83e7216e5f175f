package journal

import "strconv"

// CursorAfter reports whether next is strictly later than cur. Numeric
// transaction ids compare numerically; anything else compares by length then
// lexically. An empty cur is before everything.
func CursorAfter(next, cur string) bool {
	if next == "" {
		return false
	}
	if cur == "" {
		return true
	}
	n, errN := strconv.ParseUint(next, 10, 64)
	c, errC := strconv.ParseUint(cur, 10, 64)
	if errN == nil && errC == nil {
		return n > c
	}
	if len(next) != len(cur) {
		return len(next) > len(cur)
	}
	return next > cur
}
