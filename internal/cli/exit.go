package cli

import "github.com/dmitrijs2005/classbook/internal/common"

// Exit codes of the classbook binary.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitNotFound  = 2
	ExitConflict  = 3
	ExitAuth      = 4
	ExitIntegrity = 5
	ExitStorage   = 6
)

// ExitCode maps err onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch common.KindOf(err) {
	case common.KindNotFound:
		return ExitNotFound
	case common.KindConflict:
		return ExitConflict
	case common.KindAuthFailure:
		return ExitAuth
	case common.KindIntegrityFailure:
		return ExitIntegrity
	case common.KindStorageFailure:
		return ExitStorage
	}
	return ExitError
}
