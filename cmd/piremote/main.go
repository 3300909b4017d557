// Command piremote bridges a land-mobile-radio control head to a remote
// transceiver body over IP: serial control bytes over a reliable link with
// endpoint failover, voice both ways over a low-latency lossy link.
//
// The same binary serves both ends:
//
//	piremote panel --config panel.yaml   # next to the control head
//	piremote radio --config radio.yaml   # next to the transceiver
package main

import (
	"fmt"
	"os"

	"github.com/piremote/piremote/cmd/piremote/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "piremote:", err)
		os.Exit(1)
	}
}
