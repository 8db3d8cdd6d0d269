package presence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
)

// Discord IPC opcodes.
const (
	opHandshake = 0
	opFrame     = 1
	opClose     = 2
	opPing      = 3
	opPong      = 4
)

// Activity is the rich-presence payload carried by a SET_ACTIVITY frame.
type Activity struct {
	Details    string      `json:"details,omitempty"`
	State      string      `json:"state,omitempty"`
	Timestamps *Timestamps `json:"timestamps,omitempty"`
	Assets     *Assets     `json:"assets,omitempty"`
	Instance   bool        `json:"instance"`
}

type Timestamps struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
}

type ipcClient struct {
	conn net.Conn
}

// ipcConnect dials the local Discord socket and performs the handshake
// frame exchange.
func ipcConnect(appID string) (*ipcClient, error) {
	conn, err := dialSocket()
	if err != nil {
		return nil, fmt.Errorf("dial discord socket: %w", err)
	}
	c := &ipcClient{conn: conn}

	handshake, _ := json.Marshal(map[string]any{
		"v":         1,
		"client_id": appID,
	})
	if err := c.writeFrame(opHandshake, handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	if _, _, err := c.readFrame(5 * time.Second); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	return c, nil
}

func dialSocket() (net.Conn, error) {
	base := os.TempDir()
	var lastErr error
	for i := 0; i <= 9; i++ {
		path := fmt.Sprintf("%s/discord-ipc-%d", base, i)
		conn, err := net.DialTimeout("unix", path, 5*time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no discord socket found: %w", lastErr)
}

// SetActivity sends a SET_ACTIVITY frame. Responses are consumed by the
// relay's poll loop, not here.
func (c *ipcClient) SetActivity(a *Activity) error {
	args := map[string]any{"pid": os.Getpid()}
	if a != nil {
		args["activity"] = a
	}
	payload, _ := json.Marshal(map[string]any{
		"cmd":   "SET_ACTIVITY",
		"args":  args,
		"nonce": uuid.NewString(),
	})
	return c.writeFrame(opFrame, payload)
}

func (c *ipcClient) Close() {
	_ = c.writeFrame(opClose, []byte("{}"))
	c.conn.Close()
}

// writeFrame sends a Discord IPC frame: [opcode LE u32][length LE u32][payload].
func (c *ipcClient) writeFrame(opcode uint32, payload []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], opcode)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

// readFrame reads one frame, waiting at most timeout. The payload buffer
// is sized from the header, so large frames are never truncated.
func (c *ipcClient) readFrame(timeout time.Duration) (uint32, []byte, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 8)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	opcode := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, err
	}
	return opcode, payload, nil
}
