package hookbridge

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the hookbridge library/application.
var Version = strings.TrimSpace(versionFile)
