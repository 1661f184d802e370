// crystalyse-audit records the provenance of a CrystaLyse agent's tool calls
// and gates the numbers in its responses.
package main

import (
	"os"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
