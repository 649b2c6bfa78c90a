// pifm transmits live or recorded audio on FM from a Raspberry Pi.
package main

import (
	"os"

	pifm "github.com/doismellburning/pifm/src"
)

func main() {
	os.Exit(pifm.Main(os.Args))
}
