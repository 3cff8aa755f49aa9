package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/ble2osc/internal/autoconnect"
	"github.com/chaz8081/ble2osc/internal/ble"
	"github.com/chaz8081/ble2osc/internal/bridge"
	"github.com/chaz8081/ble2osc/internal/config"
	"github.com/chaz8081/ble2osc/internal/control"
	"github.com/chaz8081/ble2osc/internal/eventbus"
	"github.com/chaz8081/ble2osc/internal/heartrate"
	"github.com/chaz8081/ble2osc/internal/logger"
	"github.com/chaz8081/ble2osc/internal/osc"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ble2osc/config.yaml)")
	host := flag.String("host", "", "OSC destination host (overrides config)")
	port := flag.Int("port", 0, "OSC destination port (overrides config)")
	send := flag.Bool("send", false, "start with sending enabled (overrides config)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.OSC.Host = *host
		case "port":
			cfg.OSC.Port = *port
		case "send":
			cfg.OSC.SendEnabled = *send
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	base, closeLog, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closeLog()

	printBanner(cfg)

	// The bus logs through the base handler; everything else is teed onto it.
	bus := eventbus.New(base, 0)
	lg := logger.Tee(base, bus)
	slog.SetDefault(lg)

	relay := osc.NewRelay(osc.Options{
		Address:            cfg.OSC.Address,
		IncludeEnergy:      cfg.OSC.IncludeEnergy,
		IncludeContact:     cfg.OSC.IncludeContact,
		IncludeRR:          cfg.OSC.IncludeRR,
		QueueSize:          cfg.OSC.QueueSize,
		FailureLogInterval: cfg.OSC.FailureLogInterval,
	}, nil, bus, lg)

	adapter, err := ble.NewTinyGoAdapter(ble.TinyGoOptions{
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		ServiceFilter:  cfg.BLE.ServiceFilter,
		Logger:         lg,
	})
	if err != nil {
		log.Fatalf("ble: %v", err)
	}

	opts := bridge.DefaultOptions()
	opts.NameFilter = cfg.BLE.NameFilter
	opts.PreferredService = cfg.BLE.Service
	opts.AutoSubscribe = cfg.BLE.AutoSubscribe
	opts.ScanTimeout = cfg.BLE.ScanTimeout
	br := bridge.New(adapter, relay, bus, lg, opts)

	if err := br.ConfigureDestination(cfg.OSC.Host, cfg.OSC.Port); err != nil {
		log.Fatalf("osc destination: %v", err)
	}
	if err := br.SetSendEnabled(cfg.OSC.SendEnabled); err != nil {
		log.Fatalf("osc: %v", err)
	}

	unprint := bus.Subscribe(printEvent, eventbus.ReadingDecoded, eventbus.StateChanged, eventbus.PeripheralDiscovered)

	var watcher *autoconnect.Watcher
	if cfg.BLE.AutoConnect != "" {
		watcher = autoconnect.New(br, bus, cfg.BLE.AutoConnect, lg)
		lg.Info("[BRIDGE] auto-connect enabled", "pattern", cfg.BLE.AutoConnect)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *control.Server
	if cfg.Control.Enabled {
		srv = control.NewServer(br, bus, cfg.Control.Addr, lg)
		if err := srv.Listen(); err != nil {
			log.Fatalf("control: %v", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				lg.Error("[CONTROL] server stopped", "error", err)
			}
		}()
		fmt.Printf("Control surface on ws://%s/ws\n", srv.Addr())
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := br.StartScan(); err != nil {
		// The bridge stays usable; a control client can retry the scan.
		lg.Error("[BLE] scan failed", "error", err, "kind", bridge.ErrorKind(err))
	} else {
		fmt.Println("Scanning for heart rate sensors... Ctrl+C to quit.")
	}

	sig := <-sigCh
	fmt.Printf("Received %s, shutting down...\n", sig)

	if srv != nil {
		cancel()
		_ = srv.Stop(context.Background())
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := br.Close(); err != nil {
		lg.Warn("[BRIDGE] close", "error", err)
	}
	relay.Close()
	unprint()
	bus.Close()
	fmt.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

// printEvent is the console view: readings, state changes and new sensors.
func printEvent(ev eventbus.Event) {
	switch p := ev.Payload.(type) {
	case heartrate.Reading:
		line := fmt.Sprintf("%3d bpm", p.Value)
		if p.Contact != heartrate.ContactUnsupported {
			line += "  contact=" + p.Contact.String()
		}
		if len(p.RR) > 0 {
			rr := make([]string, 0, len(p.RR))
			for _, d := range p.RRIntervals() {
				rr = append(rr, fmt.Sprintf("%dms", d.Milliseconds()))
			}
			line += "  rr=" + strings.Join(rr, ",")
		}
		fmt.Println(line)
	case bridge.StateChange:
		fmt.Printf("[%s -> %s]\n", p.From, p.To)
	case bridge.PeripheralEvent:
		fmt.Printf("  #%d %s  %d dBm\n", p.Index, p.Peripheral.DisplayName(), p.Peripheral.RSSI)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	filter := "all"
	if len(cfg.BLE.ServiceFilter) > 0 {
		filter = strings.Join(cfg.BLE.ServiceFilter, ",")
	}
	send := "off"
	if cfg.OSC.SendEnabled {
		send = "on"
	}
	fmt.Println("=== ble2osc ===")
	fmt.Printf("  OSC:      %s:%d %s (send %s)\n", cfg.OSC.Host, cfg.OSC.Port, cfg.OSC.Address, send)
	fmt.Printf("  Services: %s\n", filter)
	if cfg.BLE.NameFilter != "" {
		fmt.Printf("  Names:    *%s*\n", cfg.BLE.NameFilter)
	}
	if cfg.BLE.AutoConnect != "" {
		fmt.Printf("  Auto:     %s\n", cfg.BLE.AutoConnect)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
