// Package process controls a single child process.
//
// A Controller spawns one command, by default through /bin/sh -c, in its own
// process group with stdout and stderr captured on OS pipes. Terminate sends a
// graceful signal and escalates to SIGKILL once the grace period expires;
// ForceKill signals and waits with no timer. Both return ErrNoProcess when
// there is nothing left to signal, which callers should treat as success.
//
//	c := process.NewController(process.WithGracePeriod(2 * time.Second))
//	if err := c.Spawn("make test 2>&1 | tee out.log", process.SpawnOptions{}); err != nil {
//	    return err
//	}
//	go io.Copy(os.Stdout, c.Stdout())
//	res, err := c.Terminate(ctx, unix.SIGTERM)
package process
