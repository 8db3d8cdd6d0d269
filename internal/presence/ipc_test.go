package presence

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	c := &ipcClient{conn: client}

	// Write a frame from the client side.
	payload := `{"cmd":"SET_ACTIVITY","nonce":"abc123"}`
	go func() {
		if err := c.writeFrame(opFrame, []byte(payload)); err != nil {
			t.Errorf("writeFrame: %v", err)
		}
	}()

	// Read raw bytes from the server side and verify framing.
	header := make([]byte, 8)
	if _, err := io.ReadFull(server, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	opcode := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	if opcode != opFrame {
		t.Errorf("opcode = %d, want %d", opcode, opFrame)
	}
	if int(length) != len(payload) {
		t.Errorf("length = %d, want %d", length, len(payload))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(server, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != payload {
		t.Errorf("body = %q, want %q", body, payload)
	}
}

func TestReadFrameLargePayload(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	c := &ipcClient{conn: server}

	// Build a payload larger than any fixed read buffer.
	large := make([]byte, 2048)
	for i := range large {
		large[i] = 'x'
	}

	go func() {
		header := make([]byte, 8)
		binary.LittleEndian.PutUint32(header[0:4], opFrame)
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(large)))
		_, _ = client.Write(header)
		_, _ = client.Write(large)
	}()

	opcode, payload, err := c.readFrame(time.Second)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != opFrame {
		t.Errorf("opcode = %d, want %d", opcode, opFrame)
	}
	if len(payload) != len(large) {
		t.Errorf("payload length = %d, want %d", len(payload), len(large))
	}
}

func TestReadFrameTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	c := &ipcClient{conn: server}

	_, _, err := c.readFrame(20 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error on silent connection")
	}
	if !isTimeout(err) {
		t.Errorf("error %v should report Timeout()", err)
	}
}

func TestSetActivityFrames(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	c := &ipcClient{conn: client}
	end := time.Now().Add(90 * time.Second).Unix()
	go func() {
		_ = c.SetActivity(&Activity{
			Details:    "connect",
			State:      "by ClariS",
			Timestamps: &Timestamps{End: &end},
			Assets:     &Assets{LargeImage: "default-cover", LargeText: "connect"},
		})
	}()

	reader := &ipcClient{conn: server}
	opcode, payload, err := reader.readFrame(time.Second)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != opFrame {
		t.Errorf("opcode = %d, want %d", opcode, opFrame)
	}

	var frame struct {
		Cmd   string `json:"cmd"`
		Nonce string `json:"nonce"`
		Args  struct {
			Pid      int       `json:"pid"`
			Activity *Activity `json:"activity"`
		} `json:"args"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Cmd != "SET_ACTIVITY" {
		t.Errorf("cmd = %q", frame.Cmd)
	}
	if frame.Nonce == "" {
		t.Error("nonce missing")
	}
	if frame.Args.Pid == 0 {
		t.Error("pid missing")
	}
	if frame.Args.Activity == nil || frame.Args.Activity.Details != "connect" {
		t.Errorf("activity = %+v", frame.Args.Activity)
	}
	if frame.Args.Activity.Timestamps == nil || frame.Args.Activity.Timestamps.End == nil ||
		*frame.Args.Activity.Timestamps.End != end {
		t.Error("end timestamp not carried")
	}
}

func TestSetActivityNilClearsPresence(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	c := &ipcClient{conn: client}
	go func() { _ = c.SetActivity(nil) }()

	reader := &ipcClient{conn: server}
	_, payload, err := reader.readFrame(time.Second)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	var frame struct {
		Args map[string]json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if _, ok := frame.Args["activity"]; ok {
		t.Error("clear frame must not carry an activity")
	}
	if _, ok := frame.Args["pid"]; !ok {
		t.Error("clear frame must still carry the pid")
	}
}
