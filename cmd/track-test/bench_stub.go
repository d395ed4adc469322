//go:build !linux

package main

import (
	"errors"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/output"
)

type bench struct {
	driver      output.Driver
	triggerLine output.TriggerLine
}

func (b *bench) close() {}

// openBench fails on platforms without spidev.
func openBench(ddlSec, s88Sec *config.Section) (*bench, error) {
	_ = ddlSec
	_ = s88Sec
	return nil, errors.New("hardware bring-up requires linux")
}
