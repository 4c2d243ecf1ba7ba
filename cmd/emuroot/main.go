// emuroot elevates the privileges of processes inside a running
// Android emulator by patching kernel memory over the GDB stub.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/NicolaiSoeborg/android-emuroot/cmd/emuroot/cli"
)

func main() {
	var c cli.CLI
	kctx := kong.Parse(&c, cli.KongOptions()...)
	kctx.FatalIfErrorf(kctx.Run(&c))
}
