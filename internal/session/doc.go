// Package session implements the BLE session state machine: adapter power,
// device discovery and a single GATT connection, driven by an asynchronous
// radio.Radio backend.
//
// A Controller owns one Session and mutates it only from its Run goroutine.
// Public methods post commands to that goroutine and wait for the outcome, so
// they are safe to call from anywhere. Radio completions are matched to the
// request that caused them; completions that belong to an abandoned scan or
// connection are dropped without touching state.
//
// Observers read immutable Snapshot values, either on demand via
// Controller.Snapshot or as a latest-wins stream via Controller.Snapshots.
// Operation outcomes are also reported as Notice values for display.
//
// Typical use:
//
//	ctl := session.New(r, session.Options{Logger: logger})
//	go ctl.Run(ctx)
//	defer ctl.Close(context.Background())
//
//	if err := ctl.PowerOn(ctx); err != nil {
//		return err
//	}
//	if err := ctl.StartScan(ctx); err != nil {
//		return err
//	}
package session
