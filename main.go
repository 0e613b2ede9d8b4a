// Command ccm-tool is a host-side GlobalPlatform smartcard management
// agent: it drives SCP02/SCP03 secure channels over a local PC/SC reader,
// issues GlobalPlatform life-cycle commands, and generates SCP-secured
// SMS-PP OTA envelopes for remote management. See the cmd package for the
// full command surface.
package main

import (
	"os"

	"github.com/veenone/ccm-tool/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
