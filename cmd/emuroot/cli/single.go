package cli

import (
	"context"
	"fmt"

	"github.com/NicolaiSoeborg/android-emuroot/lock"
)

// SingleCmd elevates one running process in place.
type SingleCmd struct {
	Name string `name:"name" required:"" help:"Name of the running process to elevate."`
}

// Run executes the single command.
func (c *SingleCmd) Run(cli *CLI) error {
	ctx := context.Background()

	rt, err := cli.NewRuntime(ctx)
	if err != nil {
		return err
	}
	err = lock.Run(ctx, lock.PathFor(rt.Config.Device.Serial), func(ctx context.Context, scope lock.RunScope) error {
		return rt.Manager.ElevateProcess(ctx, scope, c.Name)
	})
	if err != nil {
		return err
	}

	fmt.Printf("Elevated %q: uid 0, full capabilities, SELinux enforcement off.\n", c.Name)
	return nil
}
