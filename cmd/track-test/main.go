// track-test is a command-line tool for bringing up command station
// hardware. It verifies the SPI track output, the S88 sensor chains,
// the programming-track acknowledge input and the scope trigger line
// without starting the full daemon.
//
// Usage:
//
//	track-test -config /etc/srcpd.conf [options]
//
// Options:
//
//	-config string     Daemon configuration file (required)
//	-test string       Test to run: "track", "sensors", "ack", "trigger", "all" (default: "track")
//	-duration duration How long to run each test (default: 5s)
//
// Examples:
//
//	# Stream DCC idle packets so a scope can check the bit timing
//	track-test -config /etc/srcpd.conf -test track
//
//	# Watch the sensor chains while waving a magnet over the contacts
//	track-test -config /etc/srcpd.conf -test sensors -duration 60s
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/log"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/protocol"
	"srcpd-go/pkg/s88"
)

func main() {
	configFile := flag.String("config", "", "Daemon configuration file (required)")
	test := flag.String("test", "track", `Test to run: "track", "sensors", "ack", "trigger", "all"`)
	duration := flag.Duration("duration", 5*time.Second, "How long to run each test")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	root := log.New("track-test")
	log.SetDefaultLogger(root)

	if err := run(*configFile, *test, *duration); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, test string, duration time.Duration) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	ddlSec, err := cfg.GetSection("ddl")
	if err != nil {
		return err
	}
	s88Sec := cfg.GetSectionOptional("s88")

	bench, err := openBench(ddlSec, s88Sec)
	if err != nil {
		return err
	}
	defer bench.close()

	switch test {
	case "track":
		return testTrack(bench.driver, duration)
	case "sensors":
		return testSensors(bench.sensors(s88Sec), duration)
	case "ack":
		return testAck(bench.driver, duration)
	case "trigger":
		return testTrigger(bench.triggerLine)
	case "all":
		if err := testTrack(bench.driver, duration); err != nil {
			return err
		}
		if err := testSensors(bench.sensors(s88Sec), duration); err != nil {
			return err
		}
		if err := testAck(bench.driver, duration); err != nil {
			return err
		}
		return testTrigger(bench.triggerLine)
	default:
		return fmt.Errorf("unknown test %q", test)
	}
}

// sensors builds the poller lazily; the sensor test is skipped when no
// chains are configured.
func (b *bench) sensors(sec *config.Section) *s88.Poller {
	if sec == nil {
		return nil
	}
	chainBytes, err := sec.GetIntList("chain_bytes", ",")
	if err != nil {
		return nil
	}
	repeat, err := sec.GetInt("repeat", 1)
	if err != nil {
		return nil
	}
	p, err := s88.New(b.driver, chainBytes, repeat)
	if err != nil {
		return nil
	}
	return p
}

// testTrack streams DCC idle packets. The output is a legal bit
// pattern a decoder ignores, so it is safe on a live layout; a scope
// on the booster input shows the 58us half-bit timing.
func testTrack(d output.Driver, duration time.Duration) error {
	fmt.Printf("track: streaming DCC idle packets for %s...\n", duration)
	enc := protocol.NewDCC(protocol.DCC2)
	deadline := time.Now().Add(duration)
	sent := 0
	for time.Now().Before(deadline) {
		pkt := enc.IdlePacket()
		for _, seg := range pkt.Segments {
			if err := d.Transmit(pkt.Baud, seg); err != nil {
				return fmt.Errorf("transmit after %d packets: %w", sent, err)
			}
		}
		pkt.Release()
		sent++
	}
	fmt.Printf("track: OK, %d packets (%.0f/s)\n", sent, float64(sent)/duration.Seconds())
	return nil
}

// testSensors polls the S88 chains and prints every contact change.
func testSensors(p *s88.Poller, duration time.Duration) error {
	if p == nil || !p.Active() {
		fmt.Println("sensors: no chains configured, skipping")
		return nil
	}
	fmt.Printf("sensors: polling for %s, toggle some contacts...\n", duration)
	deadline := time.Now().Add(duration)
	changes := 0
	for time.Now().Before(deadline) {
		events, _, err := p.Poll()
		if err != nil {
			return err
		}
		for _, ev := range events {
			changes++
			state := "off"
			if ev.State {
				state = "on"
			}
			fmt.Printf("sensors: chain %d contact %d -> %s\n", ev.Bus, ev.Number, state)
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("sensors: OK, %d changes seen\n", changes)
	return nil
}

// testAck samples the programming-track acknowledge input and prints
// level transitions. Shorting the input should show up here.
func testAck(d output.Driver, duration time.Duration) error {
	last, err := d.SampleAck()
	if err != nil {
		fmt.Printf("ack: not available (%v), skipping\n", err)
		return nil
	}
	fmt.Printf("ack: sampling for %s, level starts %v...\n", duration, last)
	deadline := time.Now().Add(duration)
	transitions := 0
	for time.Now().Before(deadline) {
		cur, err := d.SampleAck()
		if err != nil {
			return err
		}
		if cur != last {
			transitions++
			fmt.Printf("ack: level -> %v\n", cur)
			last = cur
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Printf("ack: OK, %d transitions\n", transitions)
	return nil
}

// testTrigger pulses the scope trigger line ten times at 100 ms.
func testTrigger(line output.TriggerLine) error {
	if line == nil {
		fmt.Println("trigger: no trigger_pin configured, skipping")
		return nil
	}
	fmt.Println("trigger: pulsing the line 10 times...")
	for i := 0; i < 10; i++ {
		if err := line.Set(true); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
		if err := line.Set(false); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("trigger: OK")
	return nil
}
