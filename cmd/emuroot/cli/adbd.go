package cli

import (
	"context"
	"fmt"

	"github.com/NicolaiSoeborg/android-emuroot/lock"
)

// AdbdCmd elevates the adb daemon itself.
type AdbdCmd struct {
	Stealth bool `help:"Leave adbd's effective uid/gid untouched so the elevation stays invisible to id checks."`
}

// Run executes the adbd command.
func (c *AdbdCmd) Run(cli *CLI) error {
	ctx := context.Background()

	rt, err := cli.NewRuntime(ctx)
	if err != nil {
		return err
	}
	err = lock.Run(ctx, lock.PathFor(rt.Config.Device.Serial), func(ctx context.Context, scope lock.RunScope) error {
		return rt.Manager.ElevateADBD(ctx, scope, c.Stealth)
	})
	if err != nil {
		return err
	}

	if c.Stealth {
		fmt.Println("adbd now carries root credentials (stealth: effective ids untouched).")
	} else {
		fmt.Println("adbd now carries root credentials; new adb shells land as root.")
	}
	return nil
}
