package artifacts

import _ "embed"

// Embedded default configuration, written out by `stashmirror init` and used
// as the fallback when no config file exists.

//go:embed defaults/config.yaml
var DefaultConfig []byte
