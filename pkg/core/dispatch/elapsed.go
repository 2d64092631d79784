// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"k8s.io/klog/v2"
)

// timeCompilation runs compile and logs how long it took: as a warning if Config.LogCompiles is set,
// otherwise at verbosity level 1.
func (e *Engine) timeCompilation(what string, compile func() error) error {
	start := time.Now()
	if err := compile(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	if e.config.LogCompiles {
		klog.Warningf("Finished compiling %s in %s", what, elapsed)
	} else {
		klog.V(1).Infof("Finished compiling %s in %s", what, elapsed)
	}
	return nil
}
