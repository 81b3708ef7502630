package control

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/mobilealerts/gateway-proxy/internal/pkg/wire/gatewayconfig"
)

func buildConfigReply(id [6]byte) []byte {
	b := make([]byte, gatewayconfig.RecordLength)
	binary.BigEndian.PutUint16(b[0:2], uint16(CmdFind))
	copy(b[2:8], id[:])
	binary.BigEndian.PutUint16(b[8:10], gatewayconfig.RecordLength)
	copy(b[28:49], "kitchen\x00")
	return b
}

// fakeGateway answers every control frame it receives with a fixed config
// reply, once, then keeps listening for further commands until the test
// closes the connection.
func fakeGateway(t *testing.T, reply []byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 64)
		for {
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := conn.WriteToUDP(reply, addr); err != nil {
				return
			}
		}
	}()
	return conn
}

func TestDiscoverCollectsReply(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	gw := fakeGateway(t, buildConfigReply(id))
	defer gw.Close()

	client := NewClient("127.0.0.1:0", zerolog.Nop())
	client.Broadcast = gw.LocalAddr().String()

	found, err := client.Discover(context.Background(), 2*time.Second)
	is.NoErr(err)
	is.Equal(len(found), 1)
	is.Equal(found[0].ID, id)
	is.Equal(found[0].Name, "kitchen")
}

func TestFindReturnsSingleReply(t *testing.T) {
	is := is.New(t)

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	gw := fakeGateway(t, buildConfigReply(id))
	defer gw.Close()

	client := NewClient("127.0.0.1:0", zerolog.Nop())
	client.Broadcast = gw.LocalAddr().String()

	cfg, err := client.Find(context.Background(), id, false, time.Second, 3*time.Second)
	is.NoErr(err)
	is.Equal(cfg.ID, id)
}

func TestFindTimesOutWithoutReply(t *testing.T) {
	is := is.New(t)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	is.NoErr(err)
	defer conn.Close()

	client := NewClient("127.0.0.1:0", zerolog.Nop())
	client.Broadcast = conn.LocalAddr().String()

	id := [6]byte{0x02, 1, 2, 3, 4, 5}
	_, err = client.Find(context.Background(), id, false, 200*time.Millisecond, 500*time.Millisecond)
	is.True(err != nil)
}

func TestSetConfigSendsSerializedPacket(t *testing.T) {
	is := is.New(t)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	is.NoErr(err)
	defer conn.Close()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		received <- append([]byte(nil), buf[:n]...)
	}()

	client := NewClient("127.0.0.1:0", zerolog.Nop())
	client.Broadcast = conn.LocalAddr().String()

	cfg := &gatewayconfig.Config{
		ID:   [6]byte{0x02, 1, 2, 3, 4, 5},
		Name: "kitchen",
	}
	is.NoErr(client.SetConfig(context.Background(), cfg))

	select {
	case packet := <-received:
		is.Equal(len(packet), gatewayconfig.SetConfigLength)
		is.Equal(binary.BigEndian.Uint16(packet[0:2]), uint16(CmdSetConfig))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for set-config packet")
	}
}
