// Package gatewayconfig parses and serializes the 186-octet gateway
// configuration record exchanged over the UDP control protocol, including
// the steganographic encoding used to preserve a gateway's original outbound
// proxy settings across an attach/detach cycle.
package gatewayconfig

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// RecordLength is the length of a config record as returned by
	// DISCOVER/FIND/GET_CONFIG.
	RecordLength = 186
	// SetConfigLength is the length of a SET_CONFIG packet.
	SetConfigLength = 181

	nameFieldLen   = 21
	serverFieldLen = 65
	proxyFieldLen  = 65
)

var (
	// ErrLength is returned when a record's declared or actual length
	// disagrees with the expected length.
	ErrLength = errors.New("gatewayconfig: wrong record length")
	// ErrIDMismatch is returned when a record's id octets disagree with
	// an id the caller already expected.
	ErrIDMismatch = errors.New("gatewayconfig: id mismatch")
	// ErrViolation is returned by Serialize when a string field is longer
	// than its wire field allows.
	ErrViolation = errors.New("gatewayconfig: config violation")
)

var stegoMarker = [2]byte{0x19, 0x74}

// Config is the parsed form of a gateway's configuration record.
type Config struct {
	Command   uint16
	ID        [6]byte
	UseDHCP   bool
	DHCPIP    [4]byte
	FixedIP   [4]byte
	Netmask   [4]byte
	Gateway   [4]byte
	Name      string
	Server    string
	UseProxy  bool
	Proxy     string
	ProxyPort uint16
	DNS       [4]byte

	// Preserved holds the original-proxy triple recovered from the
	// record's steganographic tail bytes, if any was present.
	Preserved *Preserved
}

// Preserved is the (use-proxy, proxy, proxy-port) triple captured at attach
// time so detach can restore it.
type Preserved struct {
	UseProxy  bool
	Proxy     string
	ProxyPort uint16
}

// Parse decodes a 186-octet config record. If expectedID is non-nil, the
// record's id octets must match it.
func Parse(record []byte, expectedID *[6]byte) (*Config, error) {
	if len(record) != RecordLength {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLength, len(record), RecordLength)
	}
	length := binary.BigEndian.Uint16(record[8:10])
	if int(length) != RecordLength {
		return nil, fmt.Errorf("%w: record declares %d", ErrLength, length)
	}

	c := &Config{Command: binary.BigEndian.Uint16(record[0:2])}
	copy(c.ID[:], record[2:8])
	if expectedID != nil && c.ID != *expectedID {
		return nil, ErrIDMismatch
	}

	copy(c.DHCPIP[:], record[11:15])
	c.UseDHCP = record[15] != 0
	copy(c.FixedIP[:], record[16:20])
	copy(c.Netmask[:], record[20:24])
	copy(c.Gateway[:], record[24:28])

	nameField := record[28:49]
	serverField := record[49:114]
	name, nameTail := splitField(nameField)
	server, serverTail := splitField(serverField)
	c.Name = name
	c.Server = server

	c.UseProxy = record[114] != 0
	proxyField := record[115:180]
	proxy, _ := splitField(proxyField)
	c.Proxy = proxy
	c.ProxyPort = binary.BigEndian.Uint16(record[180:182])
	copy(c.DNS[:], record[182:186])

	if preserved, ok := decodePreserved(append(nameTail, serverTail...)); ok {
		c.Preserved = preserved
	}

	return c, nil
}

// splitField reads a NUL-terminated string from a fixed-length field and
// returns the bytes following that NUL that begin with the steganographic
// marker pair, if present (the marker octets themselves excluded).
func splitField(field []byte) (value string, markedTail []byte) {
	nul := bytes.IndexByte(field, 0)
	if nul < 0 {
		return string(field), nil
	}
	value = string(field[:nul])
	rest := field[nul+1:]
	if len(rest) >= 2 && rest[0] == stegoMarker[0] && rest[1] == stegoMarker[1] {
		markedTail = rest[2:]
	}
	return value, markedTail
}

// decodePreserved decodes the accumulated marked tail bytes (name field's
// tail followed by the server field's tail) into a preserved-proxy triple.
// Fewer than 4 accumulated bytes means no tuple was encoded.
func decodePreserved(buf []byte) (*Preserved, bool) {
	if len(buf) < 4 {
		return nil, false
	}
	p := &Preserved{
		UseProxy:  buf[0] != 0,
		ProxyPort: binary.BigEndian.Uint16(buf[1:3]),
	}
	host := buf[3:]
	if nul := bytes.IndexByte(host, 0); nul >= 0 {
		host = host[:nul]
	}
	p.Proxy = string(host)
	return p, true
}

// Serialize produces a 181-octet SET_CONFIG packet. The command octets are
// fixed to the SET_CONFIG command code by the caller before transmission;
// Serialize only lays out the record fields.
func (c *Config) Serialize() ([]byte, error) {
	if len(c.Name) > nameFieldLen-1 || len(c.Server) > serverFieldLen-1 || len(c.Proxy) > proxyFieldLen-1 {
		return nil, fmt.Errorf("%w: field too long", ErrViolation)
	}

	buf := make([]byte, SetConfigLength)
	binary.BigEndian.PutUint16(buf[0:2], c.Command)
	copy(buf[2:8], c.ID[:])
	binary.BigEndian.PutUint16(buf[8:10], SetConfigLength)
	if c.UseDHCP {
		buf[10] = 1
	}
	copy(buf[11:15], c.FixedIP[:])
	copy(buf[15:19], c.Netmask[:])
	copy(buf[19:23], c.Gateway[:])

	nameField := buf[23:44]
	serverField := buf[44:109]
	n := copy(nameField, c.Name)
	nameField[n] = 0
	s := copy(serverField, c.Server)
	serverField[s] = 0

	if c.Preserved != nil {
		tuple := encodePreserved(c.Preserved)
		writeTuple(nameField[n+1:], serverField[s+1:], tuple)
	}

	if c.UseProxy {
		buf[109] = 1
	}
	proxyField := buf[110:175]
	p := copy(proxyField, c.Proxy)
	proxyField[p] = 0

	binary.BigEndian.PutUint16(buf[175:177], c.ProxyPort)
	copy(buf[177:181], c.DNS[:])

	return buf, nil
}

func encodePreserved(p *Preserved) []byte {
	tuple := make([]byte, 0, 3+len(p.Proxy)+1)
	if p.UseProxy {
		tuple = append(tuple, 1)
	} else {
		tuple = append(tuple, 0)
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, p.ProxyPort)
	tuple = append(tuple, portBytes...)
	tuple = append(tuple, []byte(p.Proxy)...)
	tuple = append(tuple, 0)
	return tuple
}

// writeTuple segments the preserved-proxy tuple across the name field's
// remaining tail space and, if it doesn't fit, the server field's tail
// space. Each tail that receives any bytes is prefixed with the marker
// pair; a tail with no room for at least the marker plus one byte is left
// untouched.
func writeTuple(nameTail, serverTail, tuple []byte) {
	remaining := tuple
	for _, tail := range [][]byte{nameTail, serverTail} {
		if len(remaining) == 0 {
			break
		}
		if len(tail) < 3 {
			continue
		}
		copy(tail[0:2], stegoMarker[:])
		n := copy(tail[2:], remaining)
		remaining = remaining[n:]
	}
}
