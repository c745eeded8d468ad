// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/coffer-project/coffer/lib/deviceid"
	"github.com/coffer-project/coffer/lib/errcode"
)

// commandDoctor reports storage health: device fingerprint, watcher
// state, and per-record decrypt status. Records that only decrypt via
// the backup slot are healed as a side effect of the probe, which is
// the retrieval path's normal behavior.
func commandDoctor(open managerOpener, identity deviceid.Provider) error {
	identityBytes, err := identity.Identity()
	if err != nil {
		fmt.Printf("device identity: UNAVAILABLE (%v)\n", err)
		return err
	}
	fmt.Printf("device identity: %s\n", deviceid.Fingerprint(identityBytes))

	manager, err := open(nil)
	if err != nil {
		fmt.Printf("storage:         FAILED (%v)\n", err)
		return err
	}
	defer manager.Close()

	fmt.Printf("storage root:    %s\n", manager.Root())
	fmt.Printf("watcher:         %v\n", manager.WatcherActive())

	ids, err := manager.List()
	if err != nil {
		return err
	}
	fmt.Printf("records:         %d\n", len(ids))

	unhealthy := 0
	for _, id := range ids {
		payload, err := manager.Retrieve(id)
		switch {
		case err == nil:
			fmt.Printf("  %-32s ok (%d bytes)\n", id, len(payload))
		case errors.Is(err, errcode.ErrAuthenticationFailed):
			fmt.Printf("  %-32s TAMPERED OR WRONG DEVICE\n", id)
			unhealthy++
		default:
			fmt.Printf("  %-32s ERROR: %v\n", id, err)
			unhealthy++
		}
	}

	if unhealthy > 0 {
		manager.Close()
		fmt.Fprintf(os.Stderr, "%d of %d records are unhealthy\n", unhealthy, len(ids))
		os.Exit(2)
	}
	return nil
}
