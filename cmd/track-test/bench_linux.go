// Hardware bring-up over spidev and the GPIO character device

//go:build linux

package main

import (
	"srcpd-go/pkg/config"
	"srcpd-go/pkg/output"
)

// bench holds the opened hardware under test.
type bench struct {
	driver      output.Driver
	triggerLine output.TriggerLine
	spi         *output.SPIDriver
	gpio        *output.GPIOLine
}

func (b *bench) close() {
	if b.gpio != nil {
		b.gpio.Close()
	}
	if b.spi != nil {
		b.spi.Close()
	}
}

// openBench opens the devices named in the [ddl] and [s88] sections.
func openBench(ddlSec, s88Sec *config.Section) (*bench, error) {
	spiCfg := output.SPIConfig{}

	var err error
	if spiCfg.TrackDevice, err = ddlSec.Get("spiport", "/dev/spidev0.0"); err != nil {
		return nil, err
	}

	ackDesc, err := ddlSec.Get("ack_pin", "")
	if err != nil {
		return nil, err
	}
	if ackDesc != "" {
		if spiCfg.AckPin, err = config.ParsePin(ackDesc, config.PinOptions{CanInvert: true, CanPull: true}); err != nil {
			return nil, err
		}
	}

	if s88Sec != nil {
		if spiCfg.SensorDevices, err = s88Sec.GetList("devices", ","); err != nil {
			return nil, err
		}
		hz, err := s88Sec.GetInt("clock_hz", 125000)
		if err != nil {
			return nil, err
		}
		spiCfg.SensorHz = uint32(hz)
		mode, err := s88Sec.GetInt("mode", 1)
		if err != nil {
			return nil, err
		}
		spiCfg.SensorMode = uint8(mode)
	}

	spi, err := output.NewSPIDriver(spiCfg)
	if err != nil {
		return nil, err
	}
	b := &bench{driver: spi, spi: spi}

	triggerDesc, err := ddlSec.Get("trigger_pin", "")
	if err != nil {
		b.close()
		return nil, err
	}
	if triggerDesc != "" {
		pin, err := config.ParsePin(triggerDesc, config.PinOptions{CanInvert: true})
		if err != nil {
			b.close()
			return nil, err
		}
		line, err := output.OpenOutputLine(pin, false, "track_test_trigger")
		if err != nil {
			b.close()
			return nil, err
		}
		b.triggerLine = line
		b.gpio = line
	}
	return b, nil
}
