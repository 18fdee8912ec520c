// Package templates embeds the config scaffold written by `mihari init` and
// the dashboard page served by the watch daemon.
package templates

import "embed"

//go:embed config.yaml dashboard.html
var FS embed.FS
