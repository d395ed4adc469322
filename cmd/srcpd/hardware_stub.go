//go:build !linux

package main

import (
	"errors"

	"srcpd-go/pkg/config"
)

// openHardware fails on platforms without spidev. Use -sim instead.
func openHardware(ddlSec, s88Sec *config.Section) (*hardware, error) {
	_ = ddlSec
	_ = s88Sec
	return nil, errors.New("hardware output requires linux, run with -sim")
}
