package engine

// Lifecycle errors carry a user-facing message; the server maps each type to
// a status code and envelope code without inspecting strings.

type ConflictError struct{ Message string }

func (e ConflictError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e ForbiddenError) Error() string { return e.Message }

type NotFoundError struct{ Message string }

func (e NotFoundError) Error() string { return e.Message }

type BadRequestError struct{ Message string }

func (e BadRequestError) Error() string { return e.Message }
