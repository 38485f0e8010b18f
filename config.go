package main

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sparques/kisscross/bridge"
	"github.com/sparques/kisscross/device"
)

// fileConfig is the YAML shape of the daemon configuration. Field names
// match the documented option names one for one.
type fileConfig struct {
	LogLevel      int    `yaml:"log_level"`
	LogFile       string `yaml:"logfile"`
	PIDFile       string `yaml:"pidfile"`
	PcapFile      string `yaml:"pcap_file"`
	MaxTCPClients int    `yaml:"max_tcp_clients"`

	AGWServerEnable  bool   `yaml:"agw_server_enable"`
	AGWServerAddress string `yaml:"agw_server_address"`
	AGWServerPort    int    `yaml:"agw_server_port"`
	AGWMaxClients    int    `yaml:"agw_max_clients"`

	CrossConnects []ccConfig `yaml:"cross_connects"`
}

type ccConfig struct {
	ID int `yaml:"id"`

	SerialPort     string `yaml:"serial_port"`
	BaudRate       int    `yaml:"baud_rate"`
	DataBits       int    `yaml:"data_bits"`
	StopBits       int    `yaml:"stop_bits"`
	Parity         string `yaml:"parity"`
	FlowControl    string `yaml:"flow_control"`
	SerialToSerial string `yaml:"serial_to_serial"`
	IsPrimaryPort  bool   `yaml:"is_primary_port"`

	TCPMode          string `yaml:"tcp_mode"`
	TCPAddress       string `yaml:"tcp_address"`
	TCPPort          int    `yaml:"tcp_port"`
	TCPServerAddress string `yaml:"tcp_server_address"`
	TCPServerPort    int    `yaml:"tcp_server_port"`

	KISSPort int  `yaml:"kiss_port"`
	KISSChan *int `yaml:"kiss_chan"`
	KISSCopy bool `yaml:"kiss_copy"`

	PhilFlag            bool `yaml:"phil_flag"`
	ReframeLargePackets bool `yaml:"reframe_large_packets"`
	RawCopy             bool `yaml:"raw_copy"`

	XKISSMode         bool `yaml:"xkiss_mode"`
	XKISSPort         int  `yaml:"xkiss_port"`
	XKISSChecksum     bool `yaml:"xkiss_checksum"`
	XKISSPolling      bool `yaml:"xkiss_polling"`
	XKISSPollTimerMS  int  `yaml:"xkiss_poll_timer_ms"`
	XKISSRXBufferSize int  `yaml:"xkiss_rx_buffer_size"`

	TCPToTCPDangerous     bool `yaml:"tcp_to_tcp_dangerous"`
	TCPToTCPAlsoDangerous bool `yaml:"tcp_to_tcp_also_dangerous"`

	AGWEnable bool `yaml:"agw_enable"`
	AGWPort   int  `yaml:"agw_port"`

	Dump      bool `yaml:"dump"`
	ParseKISS bool `yaml:"parse_kiss"`
	DumpAX25  bool `yaml:"dump_ax25"`
}

func parseParity(s string) (device.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return device.ParityNone, nil
	case "even":
		return device.ParityEven, nil
	case "odd":
		return device.ParityOdd, nil
	}
	return 0, fmt.Errorf("%w: parity %q", bridge.ErrConfigInvalid, s)
}

func parseFlow(s string) (device.Flow, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return device.FlowNone, nil
	case "software", "xonxoff":
		return device.FlowSoftware, nil
	case "hardware", "rtscts":
		return device.FlowHardware, nil
	case "dtr-dsr", "dtrdsr":
		return device.FlowDTRDSR, nil
	}
	return 0, fmt.Errorf("%w: flow control %q", bridge.ErrConfigInvalid, s)
}

func parseTCPMode(s string) (bridge.TCPMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return bridge.TCPNone, nil
	case "server":
		return bridge.TCPServer, nil
	case "client":
		return bridge.TCPClient, nil
	}
	return 0, fmt.Errorf("%w: tcp mode %q", bridge.ErrConfigInvalid, s)
}

func (cc *ccConfig) resolve(globals *fileConfig) (bridge.CrossConnect, error) {
	out := bridge.CrossConnect{
		ID:                    cc.ID,
		SerialPort:            cc.SerialPort,
		Baud:                  cc.BaudRate,
		DataBits:              cc.DataBits,
		StopBits:              cc.StopBits,
		SerialToSerial:        cc.SerialToSerial,
		IsPrimaryPort:         cc.IsPrimaryPort,
		TCPAddress:            cc.TCPAddress,
		TCPPort:               cc.TCPPort,
		MaxTCPClients:         globals.MaxTCPClients,
		KISSPort:              cc.KISSPort,
		KISSChan:              -1,
		KISSCopy:              cc.KISSCopy,
		PhilFlag:              cc.PhilFlag,
		ReframeLargePackets:   cc.ReframeLargePackets,
		RawCopy:               cc.RawCopy,
		XKISSMode:             cc.XKISSMode,
		XKISSPort:             cc.XKISSPort,
		XKISSChecksum:         cc.XKISSChecksum,
		XKISSPolling:          cc.XKISSPolling,
		XKISSPollTimerMS:      cc.XKISSPollTimerMS,
		XKISSRXBufferSize:     cc.XKISSRXBufferSize,
		TCPToTCPDangerous:     cc.TCPToTCPDangerous,
		TCPToTCPAlsoDangerous: cc.TCPToTCPAlsoDangerous,
		AGWEnable:             cc.AGWEnable,
		AGWPort:               cc.AGWPort,
		Dump:                  cc.Dump,
		ParseKISS:             cc.ParseKISS,
		DumpAX25:              cc.DumpAX25,
	}

	if cc.KISSChan != nil {
		out.KISSChan = *cc.KISSChan
	}

	var err error
	if out.Parity, err = parseParity(cc.Parity); err != nil {
		return out, err
	}
	if out.FlowControl, err = parseFlow(cc.FlowControl); err != nil {
		return out, err
	}
	if out.TCPMode, err = parseTCPMode(cc.TCPMode); err != nil {
		return out, err
	}

	// One or more server bind addresses, comma separated, each paired
	// with the server port. An empty address binds the wildcard.
	if out.TCPMode == bridge.TCPServer || (out.SerialPort == "" && out.SerialToSerial == "") {
		port := strconv.Itoa(cc.TCPServerPort)
		for _, host := range strings.Split(cc.TCPServerAddress, ",") {
			out.BindAddresses = append(out.BindAddresses, net.JoinHostPort(strings.TrimSpace(host), port))
		}
	}

	return out, nil
}

// loadConfig reads and resolves the daemon configuration. Unrecognized
// options, duplicate cross-connect ids, and malformed values are all
// configuration errors.
func loadConfig(path string) (*fileConfig, []bridge.CrossConnect, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var cfg fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", bridge.ErrConfigInvalid, path, err)
	}

	seen := make(map[int]bool)
	ccs := make([]bridge.CrossConnect, 0, len(cfg.CrossConnects))
	for i := range cfg.CrossConnects {
		cc, err := cfg.CrossConnects[i].resolve(&cfg)
		if err != nil {
			return nil, nil, err
		}
		if seen[cc.ID] {
			return nil, nil, fmt.Errorf("%w: duplicate cross-connect id %04d", bridge.ErrConfigInvalid, cc.ID)
		}
		seen[cc.ID] = true
		ccs = append(ccs, cc)
	}

	sortCrossConnects(ccs)
	return &cfg, ccs, nil
}

// sortCrossConnects orders bridges so each serial device is opened by its
// primary: the explicitly flagged bridge, or failing that the lowest id
// referencing the path.
func sortCrossConnects(ccs []bridge.CrossConnect) {
	sort.SliceStable(ccs, func(i, j int) bool { return ccs[i].ID < ccs[j].ID })

	first := make(map[string]int)
	for i := range ccs {
		path := ccs[i].SerialPort
		if path == "" {
			continue
		}
		f, ok := first[path]
		if !ok {
			first[path] = i
			continue
		}
		if ccs[i].IsPrimaryPort && !ccs[f].IsPrimaryPort {
			cc := ccs[i]
			copy(ccs[f+1:i+1], ccs[f:i])
			ccs[f] = cc
		}
	}
}
