package health

// Checker is implemented by anything that can report whether it is healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}
