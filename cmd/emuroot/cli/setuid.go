package cli

import (
	"context"
	"fmt"

	"github.com/NicolaiSoeborg/android-emuroot/lock"
)

// SetuidCmd plants a setuid root copy of the system shell.
type SetuidCmd struct {
	Filename string `name:"filename" required:"" help:"Bare file name for the shell copy under /data/local/tmp."`
}

// Run executes the setuid command.
func (c *SetuidCmd) Run(cli *CLI) error {
	ctx := context.Background()

	rt, err := cli.NewRuntime(ctx)
	if err != nil {
		return err
	}
	err = lock.Run(ctx, lock.PathFor(rt.Config.Device.Serial), func(ctx context.Context, scope lock.RunScope) error {
		return rt.Manager.InstallSetuidShell(ctx, scope, c.Filename)
	})
	if err != nil {
		return err
	}

	fmt.Printf("Setuid shell installed; run /data/local/tmp/%s on the device for a root shell.\n", c.Filename)
	return nil
}
