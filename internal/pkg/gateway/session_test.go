package gateway

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/mobilealerts/gateway-proxy/internal/pkg/control"
	"github.com/mobilealerts/gateway-proxy/internal/pkg/wire/gatewayconfig"
	"github.com/mobilealerts/gateway-proxy/pkg/handler"
	"github.com/mobilealerts/gateway-proxy/pkg/sensorframe"
)

func buildConfigReply(id [6]byte, useProxy bool, proxy string, port uint16) []byte {
	b := make([]byte, gatewayconfig.RecordLength)
	binary.BigEndian.PutUint16(b[8:10], gatewayconfig.RecordLength)
	copy(b[2:8], id[:])
	copy(b[28:49], "kitchen\x00")
	copy(b[49:114], "api.example.com\x00")
	if useProxy {
		b[114] = 1
	}
	copy(b[115:180], proxy+"\x00")
	binary.BigEndian.PutUint16(b[180:182], port)
	return b
}

// echoGateway answers every received frame with reply and hands the caller
// a channel of every frame it was sent, for SET_CONFIG inspection.
func echoGateway(t *testing.T, reply []byte) (*net.UDPConn, chan []byte) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	received := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 256)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			received <- append([]byte(nil), buf[:n]...)
			conn.WriteToUDP(reply, addr)
		}
	}()
	return conn, received
}

func testClient(t *testing.T, gwAddr string) *control.Client {
	t.Helper()
	c := control.NewClient("127.0.0.1:0", zerolog.Nop())
	c.Broadcast = gwAddr
	return c
}

func TestSessionAttachCapturesOriginalProxy(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	gw, received := echoGateway(t, buildConfigReply(id, true, "original.example.com", 8888))
	defer gw.Close()

	s := NewSession(id, testClient(t, gw.LocalAddr().String()), nil, zerolog.Nop())
	is.Equal(s.State(), Uninitialized)

	is.NoErr(s.Init(context.Background()))
	is.Equal(s.State(), Initialized)

	<-received // drain the FIND request sent by Init

	is.NoErr(s.Attach(context.Background(), "10.0.0.1", 9000, nil))
	is.Equal(s.State(), Attached)

	setConfigPacket := <-received
	is.Equal(len(setConfigPacket), gatewayconfig.SetConfigLength)

	host, port, ok := s.PreservedProxy()
	is.True(ok)
	is.Equal(host, "original.example.com")
	is.Equal(port, uint16(8888))
}

func TestSessionDetachRestoresOriginalProxy(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	gw, received := echoGateway(t, buildConfigReply(id, true, "original.example.com", 8888))
	defer gw.Close()

	s := NewSession(id, testClient(t, gw.LocalAddr().String()), nil, zerolog.Nop())
	is.NoErr(s.Init(context.Background()))
	<-received

	is.NoErr(s.Attach(context.Background(), "10.0.0.1", 9000, nil))
	<-received

	is.NoErr(s.Detach(context.Background()))
	is.Equal(s.State(), Initialized)
	<-received

	_, _, ok := s.PreservedProxy()
	is.True(!ok)
}

func TestInitClassifiesSilentGatewayAsOffline(t *testing.T) {
	is := is.New(t)

	// A listener that never answers: the gateway is offline, which Init
	// reports through IsOnline rather than as an error.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	is.NoErr(err)
	defer conn.Close()

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	s := NewSession(id, testClient(t, conn.LocalAddr().String()), nil, zerolog.Nop())
	s.findTimeout = 100 * time.Millisecond
	s.findDeadline = 300 * time.Millisecond

	is.NoErr(s.Init(context.Background()))
	is.True(!s.IsOnline())
	is.Equal(s.State(), Uninitialized)
}

func TestSessionAttachBeforeInitFails(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	s := NewSession(id, control.NewClient("127.0.0.1:0", zerolog.Nop()), nil, zerolog.Nop())

	err := s.Attach(context.Background(), "10.0.0.1", 9000, nil)
	is.Equal(err, ErrNotInitialized)
}

func TestHandleUpdateBootup(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	s := NewSession(id, nil, nil, zerolog.Nop())

	payload := make([]byte, bootupPayloadLength)
	binary.BigEndian.PutUint32(payload[1:5], 1700000000)
	copy(payload[5:11], id[:])
	binary.BigEndian.PutUint16(payload[11:13], 2)
	binary.BigEndian.PutUint16(payload[13:15], 5)

	is.NoErr(s.HandleUpdate(context.Background(), "00", payload))
	is.Equal(s.firmwareMajor, 2)
	is.Equal(s.firmwareMinor, 5)
}

func TestHandleUpdateRejectsUnknownCode(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	s := NewSession(id, nil, nil, zerolog.Nop())

	is.NoErr(s.HandleUpdate(context.Background(), "ZZ", []byte{1, 2, 3}))
}

type recordingHandler struct {
	added   []*sensorframe.Sensor
	updated []*sensorframe.Sensor
}

func (r *recordingHandler) OnSensorAdded(sensor *sensorframe.Sensor) {
	r.added = append(r.added, sensor)
}
func (r *recordingHandler) OnSensorUpdated(sensor *sensorframe.Sensor) {
	r.updated = append(r.updated, sensor)
}

func buildSensorSubFrame(typeCode byte, counter uint16, fill func(p []byte)) []byte {
	p := make([]byte, sensorframe.PayloadSize)
	p[0] = 0xC0
	id := [6]byte{typeCode, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	copy(p[6:12], id[:])
	binary.BigEndian.PutUint16(p[12:14], counter)
	if fill != nil {
		fill(p)
	}
	var sum byte
	for _, b := range p {
		sum += b
	}
	return append(p, sum&0x7F)
}

func TestHandleUpdateSensorBatchFiresAddedThenUpdated(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	s := NewSession(id, nil, nil, zerolog.Nop())
	h := &recordingHandler{}
	s.handler = h

	frame := buildSensorSubFrame(0x02, 1, func(p []byte) {
		binary.BigEndian.PutUint16(p[14:16], 215)
		binary.BigEndian.PutUint16(p[16:18], 215)
	})

	is.NoErr(s.HandleUpdate(context.Background(), "C0", frame))
	is.Equal(len(h.added), 1)
	is.Equal(len(h.updated), 1)

	// A replayed counter must not fire OnSensorUpdated a second time.
	is.NoErr(s.HandleUpdate(context.Background(), "C0", frame))
	is.Equal(len(h.added), 1)
	is.Equal(len(h.updated), 1)
}

func TestHandleUpdateDropsChecksumMismatch(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	s := NewSession(id, nil, nil, zerolog.Nop())
	h := &recordingHandler{}
	s.handler = h

	frame := buildSensorSubFrame(0x02, 1, nil)
	frame[sensorframe.PayloadSize] ^= 0xFF

	is.NoErr(s.HandleUpdate(context.Background(), "C0", frame))
	is.Equal(len(h.added), 0)
}

func TestSerial(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 0x11, 0x22, 0xAB, 0xCD, 0xEF}
	s := NewSession(id, nil, nil, zerolog.Nop())
	is.Equal(s.Serial(), "80ABCDEF")
}

var _ handler.Handler = (*recordingHandler)(nil)
