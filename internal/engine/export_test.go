package engine

import "hellafresh/internal/domain"

// WithAfterCast returns a copy of e that calls fn between recording a vote and
// resolving the word.
func WithAfterCast(e Engine, fn func(domain.Vote)) Engine {
	e.afterCast = fn
	return e
}
