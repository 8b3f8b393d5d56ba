//go:build !linux

package system

import "errors"

var errUnsupported = errors.New("not supported on this platform")

func setIDs(int, int) error { return errUnsupported }

func dupOnto(int, int) error { return errUnsupported }

func detach() error { return errUnsupported }
