// Package tcpport carries stream port channels over plain TCP connections
// using newline-delimited JSON.
//
// The first line a client sends names the port:
//
//	{"type":"connect","name":"translate-text-stream"}
//
// Every following line is a port message, and every line the server writes
// is a port response.
package tcpport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// TypeConnect is the type of the hello line.
const TypeConnect = "connect"

const defaultMaxLine = 1 << 20

// ErrLineTooLong is returned when a line exceeds the decoder limit.
var ErrLineTooLong = errors.New("tcpport: line too long")

// Hello is the first line a client sends.
type Hello struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Encoder writes one JSON value per line.
type Encoder struct {
	writer *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
	}
}

func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.WriteLine(data)
}

// WriteLine writes an already encoded value followed by a newline.
func (e *Encoder) WriteLine(data []byte) error {
	if _, err := e.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return e.writer.Flush()
}

// Decoder reads one JSON value per line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder rejecting lines longer than maxLine bytes.
// A non-positive maxLine selects the default of 1 MiB.
func NewDecoder(r io.Reader, maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = defaultMaxLine
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	return &Decoder{scanner: scanner}
}

// Next returns the next non-empty line. The slice is owned by the caller.
func (d *Decoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	return nil, io.EOF
}

// Decode reads the next line into v.
func (d *Decoder) Decode(v any) error {
	line, err := d.Next()
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// ReadHello reads and checks the hello line.
func ReadHello(d *Decoder) (string, error) {
	var hello Hello
	if err := d.Decode(&hello); err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != TypeConnect || hello.Name == "" {
		return "", errors.New("expected connect message with a port name")
	}
	return hello.Name, nil
}
