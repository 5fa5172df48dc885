package rylr896

import (
	"bufio"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
)

// fakeModule answers AT commands on the far end of a pipe.
type fakeModule struct {
	conn  net.Conn
	cmds  chan string
	reply func(cmd string) string
}

func newFakeModule(t *testing.T, reply func(string) string) (*fakeModule, net.Conn) {
	t.Helper()
	host, mod := net.Pipe()
	m := &fakeModule{conn: mod, cmds: make(chan string, 32), reply: reply}
	go func() {
		r := bufio.NewReader(mod)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimRight(line, "\r\n")
			m.cmds <- cmd
			if ans := m.reply(cmd); ans != "" {
				if _, err := mod.Write([]byte(ans + "\r\n")); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() { _ = host.Close(); _ = mod.Close() })
	return m, host
}

func alwaysOK(string) string { return "+OK" }

func (m *fakeModule) next(t *testing.T) string {
	t.Helper()
	select {
	case c := <-m.cmds:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
		return ""
	}
}

func TestBegin(t *testing.T) {
	mod, host := newFakeModule(t, alwaysOK)
	d := New(host, Options{Address: 2, NetworkID: 6}, nil)

	if err := d.Begin(radio.DefaultConfig()); err != nil {
		t.Fatalf("Begin() err = %v", err)
	}
	want := []string{
		"AT",
		"AT+ADDRESS=2",
		"AT+NETWORKID=6",
		"AT+BAND=433000000",
		"AT+PARAMETER=7,7,1,4",
	}
	for _, w := range want {
		if got := mod.next(t); got != w {
			t.Errorf("command = %q, want %q", got, w)
		}
	}
}

func TestBeginModuleError(t *testing.T) {
	_, host := newFakeModule(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+BAND") {
			return "+ERR=4"
		}
		return "+OK"
	})
	d := New(host, Options{}, nil)

	err := d.Begin(radio.DefaultConfig())
	var me *ModuleError
	if !errors.As(err, &me) || me.Code != CodeUnknown {
		t.Fatalf("Begin() err = %v, want +ERR=4", err)
	}
	if !strings.Contains(err.Error(), "set band") {
		t.Errorf("error %q does not name the failing step", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	_, host := newFakeModule(t, func(string) string { return "" })
	d := New(host, Options{Timeout: 30 * time.Millisecond}, nil)

	if err := d.Begin(radio.DefaultConfig()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Begin() err = %v, want ErrTimeout", err)
	}
}

func TestTransmitHexEncodes(t *testing.T) {
	mod, host := newFakeModule(t, alwaysOK)
	d := New(host, Options{Peer: 1}, nil)

	frame := []byte{0xA5, 0x02, 'O', 'K', 1, 2, 3, 4}
	if err := d.Transmit(frame); err != nil {
		t.Fatalf("Transmit() err = %v", err)
	}
	want := "AT+SEND=1,16,a5024f4b01020304"
	if got := mod.next(t); got != want {
		t.Errorf("command = %q, want %q", got, want)
	}

	if err := d.Transmit(make([]byte, MaxData/2+1)); !errors.Is(err, ErrTooLong) {
		t.Errorf("Transmit(oversize) err = %v, want ErrTooLong", err)
	}
}

func TestTransmitOverrun(t *testing.T) {
	_, host := newFakeModule(t, func(string) string { return "+ERR=13" })
	d := New(host, Options{}, nil)

	var me *ModuleError
	if err := d.Transmit([]byte{1}); !errors.As(err, &me) || me.Code != CodeTXRun {
		t.Errorf("Transmit() err = %v, want +ERR=13", err)
	}
}

func TestReceive(t *testing.T) {
	mod, host := newFakeModule(t, alwaysOK)
	d := New(host, Options{}, nil)

	notified := make(chan struct{}, 1)
	d.OnReceive(func() { notified <- struct{}{} })
	_ = d.Receive()

	data := hex.EncodeToString([]byte("hello"))
	if _, err := mod.conn.Write([]byte("+RCV=9," + "10," + data + ",-42,11\r\n")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("receive notification not raised")
	}

	got, _ := d.ReadFrame()
	if string(got) != "hello" {
		t.Errorf("ReadFrame() = %q, want hello", got)
	}
	if rssi, snr := d.Signal(); rssi != -42 || snr != 11 {
		t.Errorf("Signal() = %d, %d", rssi, snr)
	}
	if again, _ := d.ReadFrame(); again != nil {
		t.Errorf("second ReadFrame() = %q, want nil", again)
	}
}

func TestLinkOverModule(t *testing.T) {
	mod, host := newFakeModule(t, alwaysOK)
	d := New(host, Options{}, nil)

	link, err := radio.Open(d, radio.DefaultConfig(), nil, radio.WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	for i := 0; i < 5; i++ {
		mod.next(t)
	}

	if err := link.Transmit([]byte("CMD:TRUE")); err != nil {
		t.Fatalf("Transmit() err = %v", err)
	}
	sent := mod.next(t)
	parts := strings.SplitN(sent, ",", 3)
	if len(parts) != 3 {
		t.Fatalf("unexpected send command %q", sent)
	}
	frame, err := hex.DecodeString(parts[2])
	if err != nil {
		t.Fatal(err)
	}
	payload, err := radio.DecodeFrame(radio.DefaultSyncWord, frame)
	if err != nil || string(payload) != "CMD:TRUE" {
		t.Errorf("sent payload = %q, %v", payload, err)
	}

	// a telemetry frame arriving from the node
	in, _ := radio.EncodeFrame(radio.DefaultSyncWord, []byte("Moisture:33"))
	h := hex.EncodeToString(in)
	if _, err := mod.conn.Write([]byte("+RCV=1," + strconv.Itoa(len(h)) + "," + h + ",-60,9\r\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := link.PollReceive()
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			if string(got) != "Moisture:33" {
				t.Errorf("PollReceive() = %q", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("frame never polled")
}
