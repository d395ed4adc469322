// srcpd is a model railway command station daemon. It generates
// DCC, Motorola and mfx track signals through an SPI port, polls S88
// feedback modules and serves clients over SRCP 0.8.4, with an
// optional JSON/WebSocket monitor and a Prometheus metrics endpoint.
//
// Usage:
//
//	srcpd -config /etc/srcpd.conf [options]
//
// Options:
//
//	-config string    Daemon configuration file (required)
//	-sim              Run without hardware on a recording driver
//	-logfile string   Log file path (default: stderr)
//	-loglevel string  Log level: debug, info, warn, error
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/log"
	"srcpd-go/pkg/metrics"
	"srcpd-go/pkg/monitor"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/roster"
	"srcpd-go/pkg/s88"
	"srcpd-go/pkg/srcp"
)

const serverVersion = "0.1.0"

// hardware bundles everything the platform-specific setup opens.
type hardware struct {
	driver      output.Driver
	triggerLine output.TriggerLine
	rds         ddl.RDSReader
}

func main() {
	configFile := flag.String("config", "", "Daemon configuration file (required)")
	simulate := flag.Bool("sim", false, "Run without hardware on a recording driver")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	root := log.New("srcpd")
	root.SetLevel(log.ParseLevel(*logLevel))
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile, Compress: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		root.SetWriter(w)
		root.SetColorize(false)
	}
	log.SetDefaultLogger(root)

	if err := run(*configFile, *simulate); err != nil {
		log.GetLogger("main").Error("%v", err)
		os.Exit(1)
	}
}

func run(configFile string, simulate bool) error {
	logger := log.GetLogger("main")
	logger.Info("srcpd %s starting, SRCP %s", serverVersion, srcp.Version)

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ddlSec, err := cfg.GetSection("ddl")
	if err != nil {
		return err
	}
	s88Sec := cfg.GetSectionOptional("s88")

	var hw *hardware
	if simulate {
		logger.Warn("running on the recording driver, nothing reaches the track")
		sim := output.NewSim()
		sim.Discard = true
		hw = &hardware{driver: sim}
	} else {
		hw, err = openHardware(ddlSec, s88Sec)
		if err != nil {
			return errors.RuntimeErrorInit("output hardware", err.Error())
		}
	}

	sensors, err := buildSensors(s88Sec, hw.driver)
	if err != nil {
		return err
	}

	st, err := buildStation(ddlSec, hw, sensors)
	if err != nil {
		return err
	}

	if rosterSec := cfg.GetSectionOptional("roster"); rosterSec != nil {
		path, err := rosterSec.Get("file")
		if err != nil {
			return err
		}
		r, err := roster.Load(path)
		if err != nil {
			return err
		}
		logger.Info("roster %s: %d of %d entries loaded",
			path, r.Apply(st), len(r.Locomotives))
	}

	srcpListen := ""
	if srcpSec := cfg.GetSectionOptional("srcp"); srcpSec != nil {
		if srcpListen, err = srcpSec.Get("listen", ""); err != nil {
			return err
		}
	}

	stationMetrics := metrics.NewStationMetrics(st)
	var metricsServer *metrics.MetricsServer
	if metricsSec := cfg.GetSectionOptional("metrics"); metricsSec != nil {
		serverCfg := metrics.DefaultMetricsServerConfig()
		if serverCfg.Address, err = metricsSec.Get("listen", serverCfg.Address); err != nil {
			return err
		}
		if serverCfg.Username, err = metricsSec.Get("username", ""); err != nil {
			return err
		}
		if serverCfg.Password, err = metricsSec.Get("password", ""); err != nil {
			return err
		}
		metricsServer = metrics.NewMetricsServerWithConfig(stationMetrics, serverCfg)
	}

	var mon *monitor.Server
	if monitorSec := cfg.GetSectionOptional("monitor"); monitorSec != nil {
		listen, err := monitorSec.Get("listen", ":8280")
		if err != nil {
			return err
		}
		mon = monitor.New(monitor.Config{Addr: listen, Station: st, Sensors: sensors})
	}

	if err := cfg.CheckUnusedSections(); err != nil {
		logger.Warn("%v", err)
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		logger.Warn("%v", err)
	}

	st.Run()
	defer st.Stop()

	srv := srcp.New(srcp.Config{
		Addr:          srcpListen,
		Station:       st,
		Sensors:       sensors,
		ServerVersion: serverVersion,
		Metrics:       stationMetrics,
	})

	errCh := make(chan error, 3)
	go func() { errCh <- srv.ListenAndServe() }()
	if metricsServer != nil {
		go func() { errCh <- metricsServer.Start() }()
	}
	if mon != nil {
		go func() { errCh <- mon.Start() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("%s received, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed: %v", err)
		}
	}

	// The rails go dead before anything else stops.
	st.SetPower(false)

	srv.Close()
	if mon != nil {
		mon.Stop()
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(ctx)
		cancel()
	}

	logger.Info("srcpd stopped")
	return nil
}

// buildStation assembles the DDL station from the [ddl] section.
func buildStation(sec *config.Section, hw *hardware, sensors *s88.Poller) (*ddl.Station, error) {
	opts := ddl.Options{
		Driver:  hw.driver,
		Trigger: output.NewTrigger(hw.triggerLine),
		Sensors: sensors,
		RDS:     hw.rds,
	}

	var err error
	if opts.DCC, err = sec.GetBool("enable_dcc", true); err != nil {
		return nil, err
	}
	if opts.MM, err = sec.GetBool("enable_mm", false); err != nil {
		return nil, err
	}
	if opts.MMOffsetCorrection, err = sec.GetBool("mm_offset_correction", true); err != nil {
		return nil, err
	}
	mfxUID, err := sec.GetInt("mfx_uid", 0)
	if err != nil {
		return nil, err
	}
	opts.MFXUID = uint32(mfxUID)
	if opts.Watchdog, err = sec.GetBool("watchdog", false); err != nil {
		return nil, err
	}
	if opts.SensorInterval, err = sec.GetDuration("sensor_interval", 0); err != nil {
		return nil, err
	}
	if opts.SensorBudget, err = sec.GetInt("sensor_budget", 0); err != nil {
		return nil, err
	}

	statePath, err := sec.Get("state_file", "")
	if err != nil {
		return nil, err
	}
	if statePath != "" {
		state, err := config.LoadState(statePath)
		if err != nil {
			return nil, err
		}
		opts.State = state
	}

	if err := watchTriggers(opts.Trigger, sec); err != nil {
		return nil, err
	}
	return ddl.NewStation(opts), nil
}

// watchTriggers arms the scope trigger for the configured addresses.
func watchTriggers(trigger *output.Trigger, sec *config.Section) error {
	classes := []struct {
		option string
		class  output.TriggerClass
	}{
		{"trigger_gl", output.TriggerGL},
		{"trigger_ga", output.TriggerGA},
		{"trigger_fb", output.TriggerFB},
		{"trigger_sm", output.TriggerSM},
	}
	for _, c := range classes {
		addrs, err := sec.GetIntList(c.option, ",", nil)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			trigger.Watch(c.class, uint32(addr))
		}
	}
	return nil
}

// buildSensors creates the S88 poller from the [s88] section.
func buildSensors(sec *config.Section, driver output.Driver) (*s88.Poller, error) {
	if sec == nil {
		return nil, nil
	}
	chainBytes, err := sec.GetIntList("chain_bytes", ",")
	if err != nil {
		return nil, err
	}
	repeat, err := sec.GetInt("repeat", 1)
	if err != nil {
		return nil, err
	}
	return s88.New(driver, chainBytes, repeat)
}
