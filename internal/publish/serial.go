package publish

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// serialTransport writes line-delimited JSON to a serial port, for wiring
// results into microcontrollers and PLCs.
type serialTransport struct {
	port serial.Port
	name string
}

func newSerialTransport(settings Settings) (*serialTransport, error) {
	name := settings.String("port", "")
	if name == "" {
		return nil, errors.New("serial destination requires a port")
	}
	mode := &serial.Mode{BaudRate: settings.Int("baud_rate", 115200)}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return &serialTransport{port: port, name: name}, nil
}

func (s *serialTransport) Type() string { return "serial" }

func (s *serialTransport) Send(payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := s.port.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("write to %s: %w", s.name, err)
	}
	return nil
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}
