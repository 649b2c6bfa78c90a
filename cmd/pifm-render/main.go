// pifm-render writes the FM baseband composite of an audio file to WAV.
package main

import (
	"os"

	pifm "github.com/doismellburning/pifm/src"
)

func main() {
	os.Exit(pifm.RenderMain(os.Args))
}
