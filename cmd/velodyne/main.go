package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/velodyne.report/internal/config"
	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
	"github.com/banshee-data/velodyne.report/internal/velodyne/network"
	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
	"github.com/banshee-data/velodyne.report/internal/velodyne/summary"
	"github.com/banshee-data/velodyne.report/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON decoder configuration (defaults apply when empty)")
	udpAddress  = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	ports       = flag.String("ports", "", "Comma-separated sensor UDP ports, overrides the configured sensors")
	pcapFile    = flag.String("pcap", "", "Replay a pcap or pcapng capture instead of listening")
	speed       = flag.Float64("speed", -1, "PCAP replay speed multiplier (0 = as fast as possible, default from config)")
	calibration = flag.String("calibration", "", "Calibration CSV shared by all sensors, overrides the configured file")
	summaryOut  = flag.String("summary", "", "Write a JSON stream summary to this path on exit (\"-\" for stdout)")
	forwardAddr = flag.String("forward", "", "Mirror raw packets to this host:port")
	rcvBuf      = flag.Int("rcvbuf", 0, "UDP receive buffer size in bytes (default from config, 4MB)")
	logInterval = flag.Duration("log-interval", 0, "Statistics logging interval (default from config, 1m)")
	sensorTime  = flag.Bool("sensor-time", false, "Stamp points with the sensor's top-of-hour timestamp")
	trace       = flag.Bool("trace", false, "Log per-packet telemetry")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// sensorRun holds the per-stream pipeline of one sensor.
type sensorRun struct {
	sensor    config.SensorConfig
	decoder   *decode.Decoder
	stats     *network.PacketStats
	collector *summary.Collector
	forwarder *network.PacketForwarder
	replay    *network.ReplayResult
}

// sensorReport is the JSON summary written for one sensor.
type sensorReport struct {
	Port    int                   `json:"udp_port"`
	Session string                `json:"session_id"`
	Replay  *network.ReplayResult `json:"replay,omitempty"`
	summary.Summary
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("Starting %s", version.String())

	var traceWriter io.Writer
	if *trace {
		traceWriter = os.Stderr
	}
	decode.SetLogWriters(os.Stderr, os.Stderr, traceWriter)
	network.SetLogWriters(os.Stderr, os.Stderr, traceWriter)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runs, err := run(ctx, cfg, *pcapFile)
	if err != nil {
		log.Fatalf("velodyne: %v", err)
	}

	if *summaryOut != "" {
		if err := writeSummary(*summaryOut, runs); err != nil {
			log.Fatalf("Failed to write summary: %v", err)
		}
	}
}

// loadConfig reads the configuration file, if any, and applies flag overrides.
func loadConfig() (*config.DecoderConfig, error) {
	cfg := config.DefaultDecoderConfig()
	if *configFile != "" {
		loaded, err := config.LoadDecoderConfig(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *udpAddress != "" {
		cfg.UDPAddress = udpAddress
	}
	if *ports != "" {
		sensors, err := parsePorts(*ports)
		if err != nil {
			return nil, err
		}
		cfg.Sensors = sensors
	}
	if *calibration != "" {
		cfg.CalibrationFile = calibration
		for i := range cfg.Sensors {
			cfg.Sensors[i].CalibrationFile = ""
		}
	}
	if *forwardAddr != "" {
		cfg.ForwardAddr = forwardAddr
	}
	if *speed >= 0 {
		cfg.ReplaySpeed = speed
	}
	if *rcvBuf > 0 {
		cfg.RcvBuf = rcvBuf
	}
	if *logInterval > 0 {
		s := logInterval.String()
		cfg.LogInterval = &s
	}
	if *sensorTime {
		mode := "sensor"
		cfg.TimestampMode = &mode
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parsePorts turns "2368,2369" into one sensor per port.
func parsePorts(s string) ([]config.SensorConfig, error) {
	var sensors []config.SensorConfig
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		port, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", field, err)
		}
		sensors = append(sensors, config.SensorConfig{Name: fmt.Sprintf("port-%d", port), UDPPort: port})
	}
	if len(sensors) == 0 {
		return nil, fmt.Errorf("no ports in %q", s)
	}
	return sensors, nil
}

// newSensorRuns builds one decoder pipeline per sensor. Calibration files
// shared between sensors are loaded once.
func newSensorRuns(cfg *config.DecoderConfig) ([]*sensorRun, error) {
	tables := make(map[string]*decode.CalibrationTable)
	var runs []*sensorRun

	for _, s := range cfg.GetSensors() {
		var cal decode.Calibration
		if path := cfg.CalibrationFileFor(s); path != "" {
			table, ok := tables[path]
			if !ok {
				var err error
				table, err = loadCalibration(path)
				if err != nil {
					return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
				}
				tables[path] = table
			}
			cal = table
		}

		r := &sensorRun{
			sensor:    s,
			decoder:   decode.NewDecoder(cfg.DecoderOptions(cal)),
			stats:     network.NewPacketStats(s.Name),
			collector: summary.NewCollector(0),
		}
		if addr := cfg.GetForwardAddr(); addr != "" {
			fwd, err := network.NewPacketForwarder(addr, r.stats, cfg.GetLogInterval())
			if err != nil {
				closeForwarders(runs)
				return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
			}
			r.forwarder = fwd
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// loadCalibration loads a calibration CSV and warns when it does not cover
// every laser. Uncalibrated lasers are decoded without corrections.
func loadCalibration(path string) (*decode.CalibrationTable, error) {
	table, err := decode.LoadCalibrationFile(path)
	if err != nil {
		return nil, err
	}
	want := 2 * packet.CHANNELS_PER_BLOCK
	if err := table.Validate(decode.BankUpper, decode.BankLower); err != nil {
		log.Printf("WARNING: calibration %s covers %d of %d lasers, the rest get no corrections: %v",
			path, table.Len(), want, err)
	} else {
		log.Printf("Loaded %d calibrated channels from %s", table.Len(), path)
	}
	return table, nil
}

func closeForwarders(runs []*sensorRun) {
	for _, r := range runs {
		if r.forwarder != nil {
			r.forwarder.Close()
		}
	}
}

// run decodes every sensor stream in parallel until the capture ends, the
// context is cancelled, or a stream fails.
func run(ctx context.Context, cfg *config.DecoderConfig, capture string) ([]*sensorRun, error) {
	runs, err := newSensorRuns(cfg)
	if err != nil {
		return nil, err
	}
	defer closeForwarders(runs)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		r := r
		log.Printf("Sensor %s: port %d, session %s", r.sensor.Name, r.sensor.UDPPort, r.decoder.SessionID())

		if capture != "" {
			g.Go(func() error {
				if r.forwarder != nil {
					r.forwarder.Start(gctx)
				}
				res, err := network.ReadPCAPFile(gctx, capture, network.ReplayConfig{
					UDPPort:         r.sensor.UDPPort,
					SpeedMultiplier: cfg.GetReplaySpeed(),
					Forwarder:       r.forwarder,
				}, r.decoder, r.collector, r.stats)
				r.replay = &res
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("sensor %s: %w", r.sensor.Name, err)
				}
				return nil
			})
			continue
		}

		listener := network.NewUDPListener(network.UDPListenerConfig{
			Address:     net.JoinHostPort(cfg.GetUDPAddress(), strconv.Itoa(r.sensor.UDPPort)),
			RcvBuf:      cfg.GetRcvBuf(),
			LogInterval: cfg.GetLogInterval(),
			Stats:       r.stats,
			Forwarder:   r.forwarder,
			Decoder:     r.decoder,
			Sink:        r.collector,
		})
		g.Go(func() error {
			err := listener.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sensor %s: %w", r.sensor.Name, err)
			}
			return nil
		})
	}

	start := time.Now()
	err = g.Wait()
	for _, r := range runs {
		r.stats.LogStats()
	}
	log.Printf("Decoded %d sensor streams in %v", len(runs), time.Since(start).Round(time.Millisecond))
	return runs, err
}

// writeSummary writes a JSON object keyed by sensor name.
func writeSummary(path string, runs []*sensorRun) error {
	out := make(map[string]sensorReport, len(runs))
	for _, r := range runs {
		out[r.sensor.Name] = sensorReport{
			Port:    r.sensor.UDPPort,
			Session: r.decoder.SessionID().String(),
			Replay:  r.replay,
			Summary: r.collector.Summary(),
		}
	}

	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create summary file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
