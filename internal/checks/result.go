package checks

// Result is the outcome of one check, handed to the reporter.
type Result struct {
	CommandID uint64
	Executed  bool
	ExitCode  int
	Error     string
	Output    string
}

// Empty returns the "not executed" result for a command id.
func Empty(id uint64) Result {
	return Result{CommandID: id}
}
