// kisscross bridges serial-attached KISS TNCs and networked packet-radio
// applications: frame reassembly, vendor-bug escape correction, KISS /
// XKISS / AGWPE translation, channel filtering, and multi-client fan-out,
// one cross-connect at a time.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"

	"github.com/sparques/kisscross/agw"
	"github.com/sparques/kisscross/bridge"
	"github.com/sparques/kisscross/device"
)

var (
	configPath = pflag.StringP("config", "c", "kisscross.yaml", "path to configuration file")
	checkOnly  = pflag.Bool("check", false, "validate the configuration and exit")
	logLevel   = pflag.IntP("log-level", "l", -1, "override log_level (0-9)")
	logFile    = pflag.String("log-file", "", "override logfile; strftime patterns are expanded")
	pcapFile   = pflag.String("pcap-file", "", "override pcap_file")
)

func main() {
	pflag.Parse()
	os.Exit(run())
}

// levelFor maps the numeric 0-9 configuration levels onto logger levels.
func levelFor(n int) log.Level {
	switch {
	case n <= 1:
		return log.ErrorLevel
	case n <= 3:
		return log.WarnLevel
	case n <= 5:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

func run() int {
	cfg, ccs, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kisscross:", err)
		return 1
	}
	if *logLevel >= 0 {
		cfg.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *pcapFile != "" {
		cfg.PcapFile = *pcapFile
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           levelFor(cfg.LogLevel),
	})

	if cfg.LogFile != "" {
		name, err := strftime.Format(cfg.LogFile, time.Now())
		if err != nil {
			logger.Error("bad logfile pattern", "pattern", cfg.LogFile, "err", err)
			return 1
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			logger.Error("cannot open logfile", "file", name, "err", err)
			return 1
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	if *checkOnly {
		for i := range ccs {
			ccs[i].ApplyDefaults()
			if err := ccs[i].Validate(); err != nil {
				logger.Error("configuration invalid", "err", err)
				return 1
			}
		}
		logger.Info("configuration ok", "cross_connects", len(ccs))
		return 0
	}

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
			logger.Error("cannot write pidfile", "file", cfg.PIDFile, "err", err)
			return 1
		}
		defer os.Remove(cfg.PIDFile)
	}

	var capture bridge.CaptureFunc
	if cfg.PcapFile != "" {
		sink, err := newPcapSink(cfg.PcapFile)
		if err != nil {
			logger.Error("cannot open pcap file", "file", cfg.PcapFile, "err", err)
			return 1
		}
		defer sink.close()
		capture = sink.capture
	}

	mgr := device.NewManager(logger.WithPrefix("device"))

	bridges := make([]*bridge.Bridge, 0, len(ccs))
	stopAll := func() {
		for _, b := range bridges {
			b.Stop()
		}
	}

	// An AGW server needs its transmit router before any bridge exists,
	// and bridges need the server. Indirect through the port map.
	var agws *agw.Server
	agwPorts := make(map[int]*bridge.Bridge)
	if cfg.AGWServerEnable {
		addr := cfg.AGWServerAddress
		port := cfg.AGWServerPort
		if port == 0 {
			port = 8000
		}
		transmit := func(port int, data []byte) error {
			b, ok := agwPorts[port]
			if !ok {
				return fmt.Errorf("no bridge on agw port %d", port)
			}
			return b.TransmitRaw(data)
		}
		var ports []agw.PortInfo
		for i := range ccs {
			if ccs[i].AGWEnable {
				ports = append(ports, agw.PortInfo{Port: ccs[i].AGWPort, Description: "Cross-connect"})
			}
		}
		agws = agw.NewServer(fmt.Sprintf("%s:%d", addr, port), cfg.AGWMaxClients, ports, transmit, logger.WithPrefix("agw"))
	}

	for i := range ccs {
		b, err := bridge.New(ccs[i], mgr, agws, capture, logger)
		if err != nil {
			logger.Error("cross-connect failed", "id", fmt.Sprintf("%04d", ccs[i].ID), "err", err)
			stopAll()
			return 1
		}
		bridges = append(bridges, b)
		if port, ok := b.AGWEnabled(); ok {
			if _, dup := agwPorts[port]; dup {
				logger.Error("duplicate agw port", "port", port)
				stopAll()
				return 1
			}
			agwPorts[port] = b
		}
	}

	if len(bridges) == 0 {
		logger.Error("no cross-connects configured")
		return 1
	}

	for _, b := range bridges {
		if err := b.Run(); err != nil {
			logger.Error("cross-connect failed to start", "err", err)
			stopAll()
			return 1
		}
	}

	if agws != nil {
		if err := agws.Start(); err != nil {
			logger.Error("agw server failed to start", "err", err)
			stopAll()
			return 1
		}
		defer agws.Stop()
	}

	logger.Info("running", "cross_connects", len(bridges))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s)

	stopAll()
	return 0
}

// pcapSink writes captured AX.25 payloads to a pcap file. capture may be
// called from several bridge goroutines at once.
type pcapSink struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

func newPcapSink(path string) (*pcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeAX25); err != nil {
		f.Close()
		return nil, err
	}
	return &pcapSink{f: f, w: w}, nil
}

func (s *pcapSink) capture(ts time.Time, ax25 []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(ax25),
		Length:        len(ax25),
	}, ax25)
}

func (s *pcapSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
