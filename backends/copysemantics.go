// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strings"

	"github.com/pkg/errors"
)

// CopySemantics defines what happens to the source of a transfer.
type CopySemantics int

const (
	// Alias returns the source itself if it is already placed as requested, and may share
	// buffers between the source and the result otherwise.
	Alias CopySemantics = iota

	// Copy never consumes or aliases the source: the result has its own buffers.
	Copy

	// Donate allows the source buffers to be reused as the result's storage. The source must not
	// be used afterward.
	Donate
)

// String implements fmt.Stringer.
func (c CopySemantics) String() string {
	switch c {
	case Alias:
		return "Alias"
	case Copy:
		return "Copy"
	case Donate:
		return "Donate"
	default:
		return "CopySemantics(?)"
	}
}

// ParseCopySemantics parses the name of a CopySemantics, case-insensitive.
func ParseCopySemantics(name string) (CopySemantics, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "alias", "":
		return Alias, nil
	case "copy":
		return Copy, nil
	case "donate":
		return Donate, nil
	}
	return Alias, errors.Errorf("unknown copy semantics %q, valid values are alias, copy or donate", name)
}
