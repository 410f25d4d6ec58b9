package sentinel

var _ error = Error("")

// Error is a string-backed error. Being a basic type it can be declared
// const, and its comparability means errors.Is matches it by plain ==
// even through wrapping.
type Error string

func (e Error) Error() string {
	return string(e)
}
