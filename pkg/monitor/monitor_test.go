package monitor

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/protocol"
	"srcpd-go/pkg/reactor"
	"srcpd-go/pkg/s88"
)

// startMonitor runs a station on a virtual clock plus a monitor on a
// loopback port and returns the base address.
func startMonitor(t *testing.T, opts ddl.Options, sensors *s88.Poller) (*ddl.Station, string) {
	t.Helper()
	clock := reactor.NewFakeClock(0)
	sim := output.NewSim()
	sim.Clock = clock
	opts.Clock = clock
	opts.Driver = sim
	opts.Sensors = sensors
	st := ddl.NewStation(opts)
	st.Run()

	srv := New(Config{Station: st, Sensors: sensors})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Stop()
		st.Stop()
	})
	return st, ln.Addr().String()
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	st, addr := startMonitor(t, ddl.Options{DCC: true, MM: true}, nil)

	st.SetPower(true)
	if err := st.InitLoco(3, protocol.ProtocolDCC, 2, 128, 5, 0, []string{"V200"}); err != nil {
		t.Fatal(err)
	}
	if err := st.InitAccessory(7, protocol.ProtocolMM); err != nil {
		t.Fatal(err)
	}

	var snap Snapshot
	getJSON(t, "http://"+addr+"/status", &snap)

	if !snap.Power {
		t.Error("snapshot reports power off")
	}
	if len(snap.Locomotives) != 1 {
		t.Fatalf("snapshot has %d locomotives", len(snap.Locomotives))
	}
	loco := snap.Locomotives[0]
	if loco.Address != 3 || loco.Protocol != "DCC" || loco.Name != "V200" || loco.SpeedSteps != 128 {
		t.Errorf("locomotive = %+v", loco)
	}
	if len(snap.Accessories) != 1 || snap.Accessories[0].Address != 7 || snap.Accessories[0].Protocol != "MM" {
		t.Errorf("accessories = %+v", snap.Accessories)
	}
	if snap.Sensors == nil {
		t.Error("sensors missing from snapshot")
	}
}

func TestLocomotivesEndpoint(t *testing.T) {
	st, addr := startMonitor(t, ddl.Options{DCC: true}, nil)
	if err := st.InitLoco(8, protocol.ProtocolDCC, 2, 28, 5, 0, nil); err != nil {
		t.Fatal(err)
	}

	var locos []LocoStatus
	getJSON(t, "http://"+addr+"/locomotives", &locos)
	if len(locos) != 1 || locos[0].Address != 8 || locos[0].SpeedSteps != 28 {
		t.Errorf("locomotives = %+v", locos)
	}
}

func TestPowerEndpoint(t *testing.T) {
	st, addr := startMonitor(t, ddl.Options{DCC: true}, nil)

	body := bytes.NewBufferString(`{"on":true}`)
	resp, err := http.Post("http://"+addr+"/power", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /power: status %d", resp.StatusCode)
	}
	if !st.Power() {
		t.Error("track power stayed off")
	}

	var ps PowerStatus
	getJSON(t, "http://"+addr+"/power", &ps)
	if !ps.On {
		t.Error("GET /power reports off")
	}

	req, _ := http.NewRequest(http.MethodDelete, "http://"+addr+"/power", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /power: status %d, want 405", resp.StatusCode)
	}
}

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

// readUntil skips pushes until the wanted event arrives. Broadcast
// order across distinct station operations is stable, but unrelated
// events may be interleaved.
func readUntil(t *testing.T, conn *websocket.Conn, event string) wsMessage {
	t.Helper()
	for i := 0; i < 32; i++ {
		msg := readMessage(t, conn)
		if msg.Event == event {
			return msg
		}
	}
	t.Fatalf("event %q never arrived", event)
	return wsMessage{}
}

func TestWebSocketStreamsChanges(t *testing.T) {
	st, addr := startMonitor(t, ddl.Options{DCC: true}, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/websocket", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	// The first push is always the full snapshot.
	first := readMessage(t, conn)
	if first.Event != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", first.Event)
	}
	var snap Snapshot
	if err := json.Unmarshal(first.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Power {
		t.Error("snapshot reports power on before anything happened")
	}

	st.SetPower(true)
	msg := readUntil(t, conn, "power")
	var ps PowerStatus
	if err := json.Unmarshal(msg.Data, &ps); err != nil {
		t.Fatal(err)
	}
	if !ps.On {
		t.Error("power event reports off")
	}

	if err := st.InitLoco(3, protocol.ProtocolDCC, 2, 128, 5, 0, []string{"V200"}); err != nil {
		t.Fatal(err)
	}
	msg = readUntil(t, conn, "locomotive_init")
	var loco LocoStatus
	if err := json.Unmarshal(msg.Data, &loco); err != nil {
		t.Fatal(err)
	}
	if loco.Address != 3 || loco.Name != "V200" {
		t.Errorf("locomotive_init = %+v", loco)
	}

	if err := st.SetLoco(3, protocol.DriveForward, 64, 128, 1); err != nil {
		t.Fatal(err)
	}
	msg = readUntil(t, conn, "locomotive")
	var drive struct {
		Address   uint32 `json:"address"`
		Direction string `json:"direction"`
		Speed     int    `json:"speed"`
	}
	if err := json.Unmarshal(msg.Data, &drive); err != nil {
		t.Fatal(err)
	}
	if drive.Address != 3 || drive.Direction != "forward" || drive.Speed != 64 {
		t.Errorf("locomotive event = %+v", drive)
	}

	if err := st.TermLoco(3); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "locomotive_term")
}
