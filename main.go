// Entrypoint for the tileengine CLI; all command handling lives in cmd/root.go.
package main

import (
	"github.com/weatherglobe/tileengine/cmd"
)

func main() {
	cmd.Execute()
}
