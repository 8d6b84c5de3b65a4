// Package driver implements the radio bring-up and reconfiguration
// protocol: baud-rate handshake, AT command programming, and the
// dual-mode (config vs. transparent) lifecycle.
package driver

import (
	"fmt"
	"time"

	"github.com/librescoot/lora-gateway/pkg/atcmd"
	"github.com/librescoot/lora-gateway/pkg/osal"
)

// ConfigBaud is the ATK-LORA-01-class hard-coded config-mode baud,
// regardless of the target operating baud.
const ConfigBaud = 115200

// Params is the set of radio parameters Driver.Init programs via AT
// commands. It intentionally mirrors config.Record's radio fields rather
// than importing pkg/config, keeping Driver ignorant of persistence.
type Params struct {
	Address     uint16
	Channel     uint8 // 0-31
	AirRate     uint8 // 0-5
	Power       uint8 // 0-3
	Transparent bool
	TargetBaud  int
}

// Port is the subset of pkg/port.Port the Driver drives.
type Port interface {
	atcmd.Port
	SetMode(configMode bool)
	GetAux() bool
	WaitAuxEdge(wantBusy bool, timeout time.Duration) bool
	ReinitUART(baud int) error
}

// Driver sequences a radio module through mode/baud transitions.
type Driver struct {
	port  Port
	at    *atcmd.Engine
	clock osal.Clock
	log   osal.Logger
}

func New(p Port, clock osal.Clock, log osal.Logger) *Driver {
	if log == nil {
		log = osal.NopLogger{}
	}
	return &Driver{port: p, at: atcmd.New(p, clock, log), clock: clock, log: log}
}

// baudCode maps a UART baud to the device's AT+UART enumeration code
// (0..7 for 1200..115200). Unknown bauds fall back to code 3 (9600).
func baudCode(baud int) int {
	switch baud {
	case 1200:
		return 0
	case 2400:
		return 1
	case 4800:
		return 2
	case 9600:
		return 3
	case 19200:
		return 4
	case 38400:
		return 5
	case 57600:
		return 6
	case 115200:
		return 7
	default:
		return 3
	}
}

// Init brings the radio up with the given parameters. It returns false
// (without leaving the UART at a stale baud) on any handshake or
// programming failure.
func (d *Driver) Init(p Params) bool {
	d.log.Infof("driver: init start, target baud=%d", p.TargetBaud)

	if err := d.port.ReinitUART(ConfigBaud); err != nil {
		d.log.Errorf("driver: reinit to config baud %d: %v", ConfigBaud, err)
		return false
	}

	d.port.SetMode(true)
	d.clock.Sleep(600 * time.Millisecond)

	linkOK := false
	for i := 0; i < 3; i++ {
		if d.at.Execute("AT\r\n", "OK", 200*time.Millisecond) == atcmd.OK {
			linkOK = true
			d.log.Infof("driver: handshake OK (attempt %d)", i+1)
			break
		}
		d.clock.Sleep(100 * time.Millisecond)
	}
	if !linkOK {
		d.log.Warnf("driver: handshake failed after 3 attempts")
		_ = d.port.ReinitUART(p.TargetBaud)
		return false
	}

	cfgOK := true
	steps := []string{
		fmt.Sprintf("AT+ADDR=%02X,%02X\r\n", (p.Address>>8)&0xFF, p.Address&0xFF),
		fmt.Sprintf("AT+WLRATE=%d,%d\r\n", p.Channel, p.AirRate),
		fmt.Sprintf("AT+TPOWER=%d\r\n", p.Power),
		tmodeCmd(p.Transparent),
		fmt.Sprintf("AT+UART=%d,0\r\n", baudCode(p.TargetBaud)),
	}
	for _, cmd := range steps {
		if d.at.Execute(cmd, "OK", 500*time.Millisecond) != atcmd.OK {
			d.log.Warnf("driver: command %q not acknowledged", cmd)
			cfgOK = false
		}
	}

	d.port.SetMode(false)
	d.log.Infof("driver: exiting config mode")

	d.clock.Sleep(100 * time.Millisecond)
	d.port.WaitAuxEdge(true, 500*time.Millisecond)
	d.port.WaitAuxEdge(false, 2*time.Second)

	if err := d.port.ReinitUART(p.TargetBaud); err != nil {
		d.log.Errorf("driver: reinit to target baud %d: %v", p.TargetBaud, err)
		return false
	}
	d.clock.Sleep(100 * time.Millisecond)
	d.port.ClearRX()

	return cfgOK
}

func tmodeCmd(transparent bool) string {
	if transparent {
		return "AT+TMODE=1\r\n"
	}
	return "AT+TMODE=0\r\n"
}

// AsyncSend refuses when AUX is busy or a transmit is already in flight,
// otherwise delegates to the Port.
func (d *Driver) AsyncSend(data []byte) bool {
	if d.port.GetAux() || d.port.IsTxBusy() {
		return false
	}
	return d.port.Write(data) == len(data)
}

// Read delegates to the Port.
func (d *Driver) Read(max int) []byte {
	return d.port.Read(max)
}

// IsBusy reports whether the radio (AUX) or the Port's transmit path is
// occupied; used by the Service monitor to detect a stuck driver.
func (d *Driver) IsBusy() bool {
	return d.port.GetAux() || d.port.IsTxBusy()
}
