// Command webgauge evaluates web-automation agents on browser benchmarks.
package main

import "github.com/lemon07r/webgauge/internal/cli"

func main() {
	cli.Execute()
}
