package u

// Must panics if err is not nil. Only for errors that can't happen
// unless there's a bug, like building a static CLI parser.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}
