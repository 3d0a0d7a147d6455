package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tether/internal/domain"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s %s: %s", strings.ToLower(e.Method), e.Path, e.Status)
}

// AckClient talks to the relay's HTTP API.
type AckClient struct {
	Base  string
	Token string
	HTTP  *http.Client
}

// NewAckClient returns a client for base authenticated with token.
func NewAckClient(base, token string) *AckClient {
	return &AckClient{
		Base:  strings.TrimRight(base, "/"),
		Token: token,
		HTTP:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Acknowledge posts the handshake acknowledgement for ack.SessionID. The
// session must not be used unless this returns nil.
func (c *AckClient) Acknowledge(ctx context.Context, ack domain.HandshakeAck) error {
	return c.post(ctx, "/v1/sessions/"+url.PathEscape(ack.SessionID.String())+"/ack", ack, nil)
}

// Whoami is the relay's view of the presented token.
type Whoami struct {
	DeviceID domain.DeviceID `json:"device_id"`
}

// Verify checks the token against the relay and returns the device it is
// bound to.
func (c *AckClient) Verify(ctx context.Context) (Whoami, error) {
	var out Whoami
	if err := c.getJSON(ctx, "/v1/me", &out); err != nil {
		return Whoami{}, err
	}
	return out, nil
}

func (c *AckClient) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *AckClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *AckClient) do(req *http.Request, path string, out any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Method: req.Method, Path: path, Code: resp.StatusCode, Status: resp.Status}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var _ domain.Acknowledger = (*AckClient)(nil)
