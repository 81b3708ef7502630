package gatewayconfig

import (
	"encoding/binary"
	"testing"

	"github.com/matryer/is"
)

func buildRecord(fill func(b []byte)) []byte {
	b := make([]byte, RecordLength)
	binary.BigEndian.PutUint16(b[8:10], RecordLength)
	copy(b[2:8], []byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})
	if fill != nil {
		fill(b)
	}
	return b
}

func TestParseRejectsWrongLength(t *testing.T) {
	is := is.New(t)

	_, err := Parse(make([]byte, 10), nil)
	is.True(err != nil)

	record := buildRecord(func(b []byte) {
		binary.BigEndian.PutUint16(b[8:10], 42)
	})
	_, err = Parse(record, nil)
	is.True(err != nil)
}

func TestParseRejectsIDMismatch(t *testing.T) {
	is := is.New(t)

	record := buildRecord(nil)
	want := [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := Parse(record, &want)
	is.True(err != nil)
}

func TestParseBasicFields(t *testing.T) {
	is := is.New(t)

	record := buildRecord(func(b []byte) {
		copy(b[28:49], "kitchen\x00")
		copy(b[49:114], "api.example.com\x00")
		b[114] = 1
		copy(b[115:180], "proxy.example.com\x00")
		binary.BigEndian.PutUint16(b[180:182], 3128)
	})

	c, err := Parse(record, nil)
	is.NoErr(err)
	is.Equal(c.Name, "kitchen")
	is.Equal(c.Server, "api.example.com")
	is.True(c.UseProxy)
	is.Equal(c.Proxy, "proxy.example.com")
	is.Equal(c.ProxyPort, uint16(3128))
	is.True(c.Preserved == nil)
}

func TestPreservedTupleFitsInNameField(t *testing.T) {
	is := is.New(t)

	c := &Config{
		ID:   [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
		Name: "kitchen",
		Preserved: &Preserved{
			UseProxy:  true,
			Proxy:     "p",
			ProxyPort: 8080,
		},
	}

	serialized, err := c.Serialize()
	is.NoErr(err)

	record := buildRecord(func(b []byte) {
		copy(b[28:49], serialized[23:44])
		copy(b[49:114], serialized[44:109])
	})

	parsed, err := Parse(record, nil)
	is.NoErr(err)
	is.Equal(parsed.Name, "kitchen")
	is.True(parsed.Preserved != nil)
	is.True(parsed.Preserved.UseProxy)
	is.Equal(parsed.Preserved.Proxy, "p")
	is.Equal(parsed.Preserved.ProxyPort, uint16(8080))
}

func TestPreservedTupleSpillsIntoServerField(t *testing.T) {
	is := is.New(t)

	// A 20-octet name leaves no room in the name field's tail, forcing the
	// tuple into the server field.
	c := &Config{
		ID:   [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
		Name: "a very long descriptive kitchen sensor",
		Preserved: &Preserved{
			UseProxy:  true,
			Proxy:     "longproxyhostname.example.com",
			ProxyPort: 3128,
		},
	}
	if len(c.Name) > nameFieldLen-1 {
		c.Name = c.Name[:nameFieldLen-1]
	}

	serialized, err := c.Serialize()
	is.NoErr(err)

	record := buildRecord(func(b []byte) {
		copy(b[28:49], serialized[23:44])
		copy(b[49:114], serialized[44:109])
	})

	parsed, err := Parse(record, nil)
	is.NoErr(err)
	is.True(parsed.Preserved != nil)
	is.Equal(parsed.Preserved.Proxy, "longproxyhostname.example.com")
	is.Equal(parsed.Preserved.ProxyPort, uint16(3128))
}

func TestSerializeRejectsOverlongField(t *testing.T) {
	is := is.New(t)

	longName := ""
	for i := 0; i < nameFieldLen; i++ {
		longName += "x"
	}
	c := &Config{ID: [6]byte{0x02, 0, 0, 0, 0, 0}, Name: longName}

	_, err := c.Serialize()
	is.True(err != nil)
}

func TestPreservedTupleRoundTripsAcrossVariants(t *testing.T) {
	cases := []struct {
		name      string
		useProxy  bool
		proxy     string
		proxyPort uint16
	}{
		{"no proxy, short host", false, "p.example.com", 8080},
		{"proxy enabled, short host", true, "p.example.com", 8080},
		{"proxy enabled, empty host", true, "", 0},
		{"proxy enabled, near-max host", true, "proxy-host-name-near-the-limit.example.org", 3128},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			c := &Config{
				ID:   [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
				Name: "kitchen",
				Preserved: &Preserved{
					UseProxy:  tc.useProxy,
					Proxy:     tc.proxy,
					ProxyPort: tc.proxyPort,
				},
			}

			serialized, err := c.Serialize()
			is.NoErr(err)

			record := buildRecord(func(b []byte) {
				copy(b[28:49], serialized[23:44])
				copy(b[49:114], serialized[44:109])
			})

			parsed, err := Parse(record, nil)
			is.NoErr(err)
			is.True(parsed.Preserved != nil)
			is.Equal(parsed.Preserved.UseProxy, tc.useProxy)
			is.Equal(parsed.Preserved.Proxy, tc.proxy)
			is.Equal(parsed.Preserved.ProxyPort, tc.proxyPort)
		})
	}
}

func TestRoundTripNoPreservedProxy(t *testing.T) {
	is := is.New(t)

	c := &Config{
		ID:       [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
		Name:     "kitchen",
		Server:   "api.example.com",
		UseProxy: false,
		DNS:      [4]byte{8, 8, 8, 8},
	}

	serialized, err := c.Serialize()
	is.NoErr(err)
	is.Equal(len(serialized), SetConfigLength)

	record := buildRecord(func(b []byte) {
		copy(b[28:49], serialized[23:44])
		copy(b[49:114], serialized[44:109])
		b[114] = serialized[109]
		copy(b[115:180], serialized[110:175])
		copy(b[180:182], serialized[175:177])
		copy(b[182:186], serialized[177:181])
	})

	parsed, err := Parse(record, nil)
	is.NoErr(err)
	is.Equal(parsed.Name, "kitchen")
	is.Equal(parsed.Server, "api.example.com")
	is.True(parsed.Preserved == nil)
	is.Equal(parsed.DNS, [4]byte{8, 8, 8, 8})
}
