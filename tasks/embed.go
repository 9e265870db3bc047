// Package tasks provides the embedded fixture task catalog.
package tasks

import "embed"

// FS contains all embedded task files, laid out as <benchmark>/<name>/.
//
//go:embed all:miniwob all:webarena all:workarena
var FS embed.FS
