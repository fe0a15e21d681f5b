// Package templates embeds the default configuration files written by
// newsroom init.
package templates

import "embed"

//go:embed config.yaml gates.yaml
var FS embed.FS
