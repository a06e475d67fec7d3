// Package hubapi is the REST client for the hub's device registry, hub
// resolution, session booking and command reporting endpoints.
package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxErrorBody = 2048

// StatusError is returned for any response with status >= 300.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub request %s %s failed: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// DeviceRegistration is the payload of POST devices/update.
type DeviceRegistration struct {
	NodeID       string         `json:"nodeId"`
	UDID         string         `json:"udid"`
	Capabilities map[string]any `json:"capabilities"`
	Machine      any            `json:"machine"`
}

// StatusReport is the payload of PUT devices/{udid}/status.
type StatusReport struct {
	DeviceUDID string                `json:"deviceUDID"`
	State      protocol.ControlState `json:"state"`
	Message    string                `json:"message,omitempty"`
}

// Booking is the response of POST hubs/book.
type Booking struct {
	Hub    protocol.HubBinding `json:"hub"`
	Params json.RawMessage     `json:"params"`
}

// Client talks to the hub REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a Client. baseURL is the versioned root, e.g. http://hub/v1/.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("hubapi: base url is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/",
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}, nil
}

// Token returns the bearer token the client authenticates with.
func (c *Client) Token() string {
	return c.token
}

// UpdateDevice registers or refreshes the simulated device.
func (c *Client) UpdateDevice(ctx context.Context, reg DeviceRegistration) error {
	log.Debug().Str("udid", reg.UDID).Str("node_id", reg.NodeID).Msg("registering device")
	return c.do(ctx, http.MethodPost, c.resolve("devices/update"), reg, nil)
}

// UpdateStatus reports the device lifecycle state.
func (c *Client) UpdateStatus(ctx context.Context, report StatusReport) error {
	path := fmt.Sprintf("devices/%s/status", strings.TrimSpace(report.DeviceUDID))
	return c.do(ctx, http.MethodPut, c.resolve(path), report, nil)
}

// WhichHub resolves the hub serving this token.
func (c *Client) WhichHub(ctx context.Context) (protocol.HubBinding, error) {
	var hub protocol.HubBinding
	if err := c.do(ctx, http.MethodGet, c.resolve("hubs/which"), nil, &hub); err != nil {
		return protocol.HubBinding{}, err
	}
	if strings.TrimSpace(hub.Host) == "" {
		return protocol.HubBinding{}, errors.New("hubapi: hubs/which returned empty host")
	}
	return hub, nil
}

// BookSession books a manual session on the given hub device id.
func (c *Client) BookSession(ctx context.Context, deviceID int) (*Booking, error) {
	var booking Booking
	body := map[string]any{"deviceId": deviceID}
	if err := c.do(ctx, http.MethodPost, c.resolve("hubs/book"), body, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// CreateCommand posts one recorded action to {sessionURL}/commands and
// returns the remote command id.
func (c *Client) CreateCommand(ctx context.Context, sessionURL string, action protocol.Action) (string, error) {
	endpoint := strings.TrimSuffix(strings.TrimSpace(sessionURL), "/") + "/commands"
	var parsed struct {
		ID any `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, action, &parsed); err != nil {
		return "", err
	}
	switch id := parsed.ID.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	default:
		return fmt.Sprint(id), nil
	}
}

func (c *Client) resolve(path string) string {
	return c.baseURL + strings.TrimPrefix(path, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil && method != http.MethodGet {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s payload", method, endpoint)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrapf(err, "build %s %s request", method, endpoint)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s %s", method, endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return errorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "decode %s %s response", method, endpoint)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
	}
}
