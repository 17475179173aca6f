package sync

import (
	"fmt"
	"strings"
)

// UnresolvedError reports conflicted paths that survived both resolution
// passes. The run aborts without committing; the path list is surfaced
// for human diagnosis.
type UnresolvedError struct {
	Paths []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("conflicts remain unresolved: %s", strings.Join(e.Paths, ", "))
}
