package filesystem

const (
	// TemporaryNamePrefix is the file name prefix used for all temporary files
	// and directories created by forge. Using this prefix guarantees that any
	// such files are recognizable as transient state rather than build output
	// if they're ever observed mid-write. It may be suffixed with additional
	// elements if desired.
	TemporaryNamePrefix = ".forge-temporary-"
)
