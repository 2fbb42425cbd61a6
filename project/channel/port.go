package channel

import (
	"fmt"
	"io"
	"sync"

	"coilwinder/common/config"

	"github.com/tarm/serial"
)

// Port is the byte stream under a Channel. The native implementation is a
// tarm/serial port; tests and dry runs substitute their own.
type Port interface {
	io.ReadWriteCloser

	// Flush discards data buffered in both directions.
	Flush() error
}

// Opener creates the Port for a serial configuration.
type Opener interface {
	Open(cfg config.Serial) (Port, error)
}

// SerialOpener opens real serial devices.
type SerialOpener struct{}

func (SerialOpener) Open(cfg config.Serial) (Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	return port, nil
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(cfg config.Serial) (Port, error)

func (f OpenerFunc) Open(cfg config.Serial) (Port, error) {
	return f(cfg)
}

// Physical ports currently held by a Channel in this process.
var (
	registryMu sync.Mutex
	openPorts  = map[string]bool{}
)

func claimPort(name string) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	if openPorts[name] {
		return false
	}
	openPorts[name] = true
	return true
}

func releasePort(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(openPorts, name)
}
