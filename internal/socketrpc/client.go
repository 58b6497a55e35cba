package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// Client implements Backend over a Unix domain socket. It is safe for
// concurrent use; calls are serialized on one connection.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

var _ Backend = (*Client)(nil)

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	var paramsData json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("socketrpc: marshal params: %w", err)
		}
		paramsData = data
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return fmt.Errorf("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}
	if resp.ID != id && resp.Error == nil {
		return fmt.Errorf("socketrpc: response id %d, want %d", resp.ID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) ListCollections() ([]model.CollectionInfo, error) {
	var result []model.CollectionInfo
	err := c.call("ListCollections", nil, &result)
	return result, err
}

func (c *Client) Lines(collectionID string) ([]model.LineInfo, error) {
	var result []model.LineInfo
	err := c.call("Lines", map[string]interface{}{"Collection": collectionID}, &result)
	return result, err
}

func (c *Client) Stats(key model.SubscriptionKey) (model.Stats, error) {
	var result model.Stats
	err := c.call("Stats", map[string]interface{}{"Key": key}, &result)
	return result, err
}

func (c *Client) History(key model.SubscriptionKey, limit int) ([]model.Point, error) {
	var result []model.Point
	err := c.call("History", map[string]interface{}{"Key": key, "Limit": limit}, &result)
	return result, err
}

// Rollover asks the server to start a new collection. The server bounds the
// wait itself; ctx is only checked before sending.
func (c *Client) Rollover(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var result string
	err := c.call("Rollover", nil, &result)
	return result, err
}

func (c *Client) DropCollection(collectionID string) error {
	return c.call("DropCollection", map[string]interface{}{"Collection": collectionID}, nil)
}

func (c *Client) Export(dir string) (string, error) {
	var result string
	err := c.call("Export", map[string]interface{}{"Dir": dir}, &result)
	return result, err
}

func (c *Client) TotalSampleCount() (int64, error) {
	var result int64
	err := c.call("TotalSampleCount", nil, &result)
	return result, err
}

func (c *Client) Snapshot(path string) (int64, error) {
	var result int64
	err := c.call("Snapshot", map[string]interface{}{"Path": path}, &result)
	return result, err
}
