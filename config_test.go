package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparques/kisscross/bridge"
	"github.com/sparques/kisscross/device"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kisscross.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: 5
max_tcp_clients: 4
agw_server_enable: true
agw_server_port: 8000
cross_connects:
  - id: 1
    serial_port: /dev/ttyUSB0
    baud_rate: 9600
    parity: none
    tcp_mode: server
    tcp_server_address: "127.0.0.1,::1"
    tcp_server_port: 8001
    kiss_port: 2
    phil_flag: true
    agw_enable: true
    agw_port: 0
  - id: 2
    serial_port: /dev/ttyUSB0
    tcp_mode: server
    tcp_server_port: 8002
    kiss_port: 3
    kiss_chan: 3
`)

	cfg, ccs, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.LogLevel)
	require.Len(t, ccs, 2)

	cc := ccs[0]
	assert.Equal(t, 1, cc.ID)
	assert.Equal(t, "/dev/ttyUSB0", cc.SerialPort)
	assert.Equal(t, bridge.TCPServer, cc.TCPMode)
	assert.Equal(t, []string{"127.0.0.1:8001", "[::1]:8001"}, cc.BindAddresses)
	assert.Equal(t, 4, cc.MaxTCPClients)
	assert.Equal(t, -1, cc.KISSChan) // unset means no filtering
	assert.True(t, cc.PhilFlag)
	assert.True(t, cc.AGWEnable)

	assert.Equal(t, 3, ccs[1].KISSChan)
}

func TestLoadConfigRejectsUnknownOption(t *testing.T) {
	path := writeConfig(t, "log_levle: 3\n")
	_, _, err := loadConfig(path)
	assert.ErrorIs(t, err, bridge.ErrConfigInvalid)
}

func TestLoadConfigRejectsDuplicateID(t *testing.T) {
	path := writeConfig(t, `
cross_connects:
  - id: 7
    serial_port: /dev/ttyUSB0
    tcp_mode: server
    tcp_server_port: 8001
  - id: 7
    serial_port: /dev/ttyUSB1
    tcp_mode: server
    tcp_server_port: 8002
`)
	_, _, err := loadConfig(path)
	assert.ErrorIs(t, err, bridge.ErrConfigInvalid)
}

func TestLoadConfigParityAndFlow(t *testing.T) {
	path := writeConfig(t, `
cross_connects:
  - id: 1
    serial_port: /dev/ttyS0
    parity: even
    flow_control: hardware
    tcp_mode: server
    tcp_server_port: 8001
`)
	_, ccs, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, device.ParityEven, ccs[0].Parity)
	assert.Equal(t, device.FlowHardware, ccs[0].FlowControl)
}

func TestPrimaryOrdering(t *testing.T) {
	ccs := []bridge.CrossConnect{
		{ID: 3, SerialPort: "/dev/ttyUSB0"},
		{ID: 1, SerialPort: "/dev/ttyUSB1"},
		{ID: 5, SerialPort: "/dev/ttyUSB0", IsPrimaryPort: true},
	}
	sortCrossConnects(ccs)

	// Sorted by id, except the flagged primary jumps ahead of the other
	// bridges on its device.
	assert.Equal(t, 1, ccs[0].ID)
	assert.Equal(t, 5, ccs[1].ID)
	assert.Equal(t, 3, ccs[2].ID)
}
