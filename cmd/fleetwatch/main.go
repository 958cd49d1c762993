// fleetwatch runs the autonomous operations loop: observe, decide,
// guard, act and verify, with every decision audited.
package main

import "github.com/ppiankov/fleetwatch/internal/cli"

func main() {
	cli.Execute()
}
