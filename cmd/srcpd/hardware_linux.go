// Hardware setup over spidev and the GPIO character device

//go:build linux

package main

import (
	"srcpd-go/pkg/config"
	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/output"
)

// openHardware opens the SPI track port, the sensor buses and the
// optional GPIO lines named in the configuration.
func openHardware(ddlSec, s88Sec *config.Section) (*hardware, error) {
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

	driver, err := output.NewSPIDriver(spiCfg)
	if err != nil {
		return nil, err
	}
	hw := &hardware{driver: driver}

	triggerDesc, err := ddlSec.Get("trigger_pin", "")
	if err != nil {
		driver.Close()
		return nil, err
	}
	if triggerDesc != "" {
		pin, err := config.ParsePin(triggerDesc, config.PinOptions{CanInvert: true})
		if err != nil {
			driver.Close()
			return nil, err
		}
		line, err := output.OpenOutputLine(pin, false, "srcpd_trigger")
		if err != nil {
			driver.Close()
			return nil, err
		}
		hw.triggerLine = line
	}

	rds, err := openRDS(ddlSec)
	if err != nil {
		driver.Close()
		return nil, err
	}
	hw.rds = rds
	return hw, nil
}

// openRDS opens the mfx feedback decoder lines when all three pins are
// configured.
func openRDS(sec *config.Section) (ddl.RDSReader, error) {
	var pins ddl.RDSPins
	descs := []struct {
		option string
		pin    *config.Pin
	}{
		{"rds_qual_pin", &pins.Qual},
		{"rds_clock_pin", &pins.Clock},
		{"rds_data_pin", &pins.Data},
	}
	configured := 0
	for _, d := range descs {
		desc, err := sec.Get(d.option, "")
		if err != nil {
			return nil, err
		}
		if desc == "" {
			continue
		}
		pin, err := config.ParsePin(desc, config.PinOptions{CanInvert: true, CanPull: true})
		if err != nil {
			return nil, err
		}
		*d.pin = pin
		configured++
	}
	if configured == 0 {
		return nil, nil
	}
	if configured < len(descs) {
		return nil, config.NewConfigError("ddl", "rds_qual_pin",
			"mfx feedback needs rds_qual_pin, rds_clock_pin and rds_data_pin")
	}
	return ddl.NewGPIORDS(pins)
}
