// Package deluge drives a Deluge daemon through its Web UI JSON-RPC API.
package deluge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/logctx"
)

const (
	sessionCookie = "_session_id"

	// Deluge's web UI answers this code when the session expired.
	errCodeNotAuthenticated = 1
)

var statusFields = []string{
	"name", "progress", "download_payload_rate", "upload_payload_rate",
	"total_wanted", "total_done", "num_peers", "is_finished", "state",
}

type Client struct {
	BaseURL  string
	APIPath  string
	Password string

	httpClient *http.Client
	nextID     atomic.Int64

	mu     sync.RWMutex
	cookie string
}

var _ engine.Engine = (*Client)(nil)

func NewClient(baseURL, apiPath, password string, insecure ...bool) *Client {
	client := &Client{
		BaseURL:    baseURL,
		APIPath:    apiPath,
		Password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	if len(insecure) > 0 && insecure[0] {
		client.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	return client
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

// Authenticate logs into the web UI and keeps the session cookie.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	resp, cookies, err := c.do(ctx, "auth.login", []any{c.Password})
	if err != nil {
		return &engine.AuthenticationError{Operation: "auth.login", Err: err}
	}

	if resp.Error != nil {
		return &engine.AuthenticationError{Operation: "auth.login", Err: errors.New(resp.Error.Message)}
	}

	var ok bool
	if err := json.Unmarshal(resp.Result, &ok); err != nil || !ok {
		return &engine.AuthenticationError{Operation: "auth.login", Err: errors.New("login rejected")}
	}

	for _, cookie := range cookies {
		if cookie.Name == sessionCookie {
			c.mu.Lock()
			c.cookie = cookie.Value
			c.mu.Unlock()
		}
	}

	logger.DebugContext(ctx, "authenticated with deluge")

	return nil
}

// Submit adds the magnet with download_location set to savePath. savePath must
// be visible to the daemon under the same name.
func (c *Client) Submit(ctx context.Context, d engine.Descriptor, savePath string) (engine.Handle, error) {
	var id *string

	err := c.call(ctx, "core.add_torrent_magnet", []any{d.URI, map[string]any{"download_location": savePath}}, &id)
	if err != nil {
		return "", &engine.EngineError{Op: "submit", Err: err}
	}

	if id == nil || *id == "" {
		return "", &engine.EngineError{Op: "submit", Err: errors.New("deluge did not return a torrent id")}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "torrent added to deluge", "torrent_id", *id, "save_path", savePath)

	return engine.Handle(*id), nil
}

type torrentStatus struct {
	Name                string  `json:"name"`
	Progress            float64 `json:"progress"`
	DownloadPayloadRate float64 `json:"download_payload_rate"`
	UploadPayloadRate   float64 `json:"upload_payload_rate"`
	TotalWanted         int64   `json:"total_wanted"`
	TotalDone           int64   `json:"total_done"`
	NumPeers            int     `json:"num_peers"`
	IsFinished          bool    `json:"is_finished"`
	State               string  `json:"state"`
}

// Poll queries core.get_torrent_status. Deluge answers an empty object for
// torrents it no longer knows about, which is reported as an engine error.
func (c *Client) Poll(ctx context.Context, h engine.Handle) (engine.Status, error) {
	var st *torrentStatus

	if err := c.call(ctx, "core.get_torrent_status", []any{string(h), statusFields}, &st); err != nil {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: err}
	}

	if st == nil || st.State == "" {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: errors.New("torrent not found")}
	}

	if st.State == "Error" {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: errors.New("deluge reported the torrent in error state")}
	}

	return engine.Status{
		Name:            st.Name,
		Percent:         st.Progress,
		DownloadRate:    int64(st.DownloadPayloadRate),
		UploadRate:      int64(st.UploadPayloadRate),
		TotalBytes:      st.TotalWanted,
		DownloadedBytes: st.TotalDone,
		PeerCount:       st.NumPeers,
		IsFinished:      st.IsFinished,
		HasMetadata:     st.TotalWanted > 0 || st.IsFinished,
		StateLabel:      st.State,
	}, nil
}

// Cancel removes the torrent from the session but keeps its data; the job
// manager owns the save path.
func (c *Client) Cancel(ctx context.Context, h engine.Handle) error {
	var removed bool

	if err := c.call(ctx, "core.remove_torrent", []any{string(h), false}, &removed); err != nil {
		return &engine.EngineError{Op: "cancel", Handle: h, Err: err}
	}

	return nil
}

// call performs an RPC, logging in first when there is no session and once
// more if the session expired.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	c.mu.RLock()
	loggedIn := c.cookie != ""
	c.mu.RUnlock()

	if !loggedIn {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	resp, _, err := c.do(ctx, method, params)
	if err != nil {
		return err
	}

	if resp.Error != nil && resp.Error.Code == errCodeNotAuthenticated {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}

		if resp, _, err = c.do(ctx, method, params); err != nil {
			return err
		}
	}

	if resp.Error != nil {
		return &engine.NetworkError{Operation: method, APIMessage: resp.Error.Message}
	}

	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method string, params []any) (*rpcResponse, []*http.Cookie, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	payload := map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.cookie})
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "deluge request failed", "err", err)

		return nil, nil, &engine.NetworkError{Operation: method, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, nil, &engine.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: string(b)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	return &rpcResp, resp.Cookies(), nil
}
