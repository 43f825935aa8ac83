// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package provider implements the CloudWM VM API client used to drive
// desktop lifecycle operations. Each tenant gets its own Client bound to its
// API endpoint and credentials.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toeirei/vdimaster/internal/logging"
)

const (
	// tokenRefreshMargin refreshes auth tokens this long before they expire
	// so an in-flight request never rides a token into its expiry.
	tokenRefreshMargin = 60 * time.Second

	defaultCommandBudget = 600 * time.Second
	defaultReadyBudget   = 180 * time.Second
)

// Client talks to one CloudWM API endpoint with one set of credentials.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
	cache      *Cache

	mu           sync.Mutex
	token        string
	tokenExpires time.Time

	now                 func() time.Time
	commandPollInterval time.Duration
	readyPollInterval   time.Duration
}

// NewClient builds a Client for the given endpoint. The cache holds catalog
// responses; pass a shared one to reuse entries across clients with the same
// endpoint and credentials, or nil for a private default.
func NewClient(apiURL, clientID, secret string, cache *Cache) *Client {
	if cache == nil {
		cache = NewCache(DefaultCatalogTTL)
	}
	return &Client{
		baseURL:             strings.TrimRight(apiURL, "/"),
		clientID:            clientID,
		secret:              secret,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		cache:               cache,
		now:                 time.Now,
		commandPollInterval: 10 * time.Second,
		readyPollInterval:   5 * time.Second,
	}
}

func (c *Client) cacheKey(topic string) string {
	return c.baseURL + "|" + c.clientID + "|" + topic
}

// authenticate returns a valid bearer token, reusing the cached one until
// shortly before it expires.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpires.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	var resp struct {
		Authentication string  `json:"authentication"`
		Expires        float64 `json:"expires"`
	}
	err := c.do(ctx, http.MethodPost, "/authenticate", map[string]string{
		"clientId": c.clientID,
		"secret":   c.secret,
	}, &resp, false)
	if err != nil {
		return "", err
	}
	if resp.Authentication == "" {
		return "", fmt.Errorf("provider: authenticate returned no token")
	}
	c.token = resp.Authentication
	if resp.Expires > 0 {
		c.tokenExpires = time.Unix(int64(resp.Expires), 0)
	} else {
		c.tokenExpires = c.now().Add(time.Hour)
	}
	return c.token, nil
}

// do performs one JSON request. When authed is true a bearer token is
// attached, authenticating first if needed. Non-2xx responses become
// *APIError with a body snippet.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.authenticate(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// GetServer fetches one VM by its provider ID.
func (c *Client) GetServer(ctx context.Context, serverID string) (ServerInfo, error) {
	var info ServerInfo
	err := c.do(ctx, http.MethodGet, "/server/"+serverID, nil, &info, true)
	return info, err
}

// GetServerState returns the VM's normalized power state. Any failure maps
// to PowerUnknown alongside the error; callers polling for readiness treat
// that as "not ready yet".
func (c *Client) GetServerState(ctx context.Context, serverID string) (PowerState, error) {
	info, err := c.GetServer(ctx, serverID)
	if err != nil {
		return PowerUnknown, err
	}
	return info.State(), nil
}

func (c *Client) power(ctx context.Context, serverID, power string) error {
	return c.do(ctx, http.MethodPost, "/server/"+serverID+"/power",
		map[string]string{"power": power}, nil, true)
}

// PowerOn requests a boot. The operation is queued provider-side; use
// WaitUntilReady to observe completion.
func (c *Client) PowerOn(ctx context.Context, serverID string) error {
	return c.power(ctx, serverID, "on")
}

// PowerOff requests a hard stop.
func (c *Client) PowerOff(ctx context.Context, serverID string) error {
	return c.power(ctx, serverID, "off")
}

// Restart requests a reboot.
func (c *Client) Restart(ctx context.Context, serverID string) error {
	return c.power(ctx, serverID, "restart")
}

// Suspend pauses a VM. Datacenters without suspend support answer with an
// HTTP error; those fall back to a power-off so eviction still lands.
func (c *Client) Suspend(ctx context.Context, serverID string) error {
	err := c.power(ctx, serverID, "suspend")
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		logging.Warnf("provider: suspend not supported for %s, falling back to power off", serverID)
		return c.PowerOff(ctx, serverID)
	}
	return err
}

// Resume wakes a suspended VM, falling back to a power-on where resume is
// not supported.
func (c *Client) Resume(ctx context.Context, serverID string) error {
	err := c.power(ctx, serverID, "resume")
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		logging.Warnf("provider: resume not supported for %s, falling back to power on", serverID)
		return c.PowerOn(ctx, serverID)
	}
	return err
}

// CreateServer submits a VM creation and returns the queued command ID.
func (c *Client) CreateServer(ctx context.Context, params ServerParams) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/server", params, &raw, true); err != nil {
		return 0, err
	}
	// The provider answers with a list of command IDs; some deployments wrap
	// a single ID in an object instead.
	var ids []json.Number
	if err := json.Unmarshal(raw, &ids); err == nil && len(ids) > 0 {
		if n, err := ids[0].Int64(); err == nil {
			return int(n), nil
		}
	}
	var obj struct {
		CommandID json.Number `json:"command_id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if n, err := obj.CommandID.Int64(); err == nil && n > 0 {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("provider: create server returned no command ID")
}

// GetCommand fetches the status of a queued provider operation.
func (c *Client) GetCommand(ctx context.Context, commandID int) (CommandStatus, error) {
	var st CommandStatus
	err := c.do(ctx, http.MethodGet, "/queue/"+strconv.Itoa(commandID), nil, &st, true)
	return st, err
}

// WaitForCommand polls a queued operation until it completes or the budget
// runs out. Transient faults (5xx, timeouts) are retried; a command that the
// provider reports as failed returns an error carrying its log.
func (c *Client) WaitForCommand(ctx context.Context, commandID int, budget time.Duration) error {
	if budget <= 0 {
		budget = defaultCommandBudget
	}
	deadline := c.now().Add(budget)
	for {
		st, err := c.GetCommand(ctx, commandID)
		switch {
		case err != nil && !IsTransient(err):
			return err
		case err != nil:
			logging.Debugf("provider: transient error polling command %d: %v", commandID, err)
		case st.Status == CommandComplete:
			return nil
		case st.Status == CommandError:
			return fmt.Errorf("provider: command %d failed: %s", commandID, st.Log)
		}
		if !c.now().Add(c.commandPollInterval).Before(deadline) {
			return fmt.Errorf("provider: command %d did not complete within %s", commandID, budget)
		}
		if err := sleepCtx(ctx, c.commandPollInterval); err != nil {
			return err
		}
	}
}

// WaitUntilReady polls the VM's power state until it reports on. State read
// failures count as not ready and keep polling.
func (c *Client) WaitUntilReady(ctx context.Context, serverID string, budget time.Duration) error {
	if budget <= 0 {
		budget = defaultReadyBudget
	}
	deadline := c.now().Add(budget)
	for {
		state, err := c.GetServerState(ctx, serverID)
		if err == nil && state == PowerOn {
			return nil
		}
		if err != nil {
			logging.Debugf("provider: state check for %s failed: %v", serverID, err)
		}
		if !c.now().Add(c.readyPollInterval).Before(deadline) {
			return fmt.Errorf("provider: server %s not ready within %s", serverID, budget)
		}
		if err := sleepCtx(ctx, c.readyPollInterval); err != nil {
			return err
		}
	}
}

// ListServers returns all VMs visible to the account.
func (c *Client) ListServers(ctx context.Context) ([]ServerInfo, error) {
	var servers []ServerInfo
	err := c.do(ctx, http.MethodGet, "/servers", nil, &servers, true)
	return servers, err
}

// FindServerByName returns the VM with the given name (case-insensitive
// exact match), or nil when no such VM exists.
func (c *Client) FindServerByName(ctx context.Context, name string) (*ServerInfo, error) {
	servers, err := c.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if strings.EqualFold(servers[i].Name, name) {
			return &servers[i], nil
		}
	}
	return nil, nil
}

// serverOptions fetches the provider's combined catalog payload, cached.
func (c *Client) serverOptions(ctx context.Context) (map[string]json.RawMessage, error) {
	v, err := c.cache.GetOrFill(c.cacheKey("options"), func() (any, error) {
		var opts map[string]json.RawMessage
		if err := c.do(ctx, http.MethodGet, "/server", nil, &opts, true); err != nil {
			return nil, err
		}
		return opts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]json.RawMessage), nil
}

var regionPrefixes = []string{"AS:", "EU:", "US:", "CA:", "AU:", "IL:"}

func hasRegionPrefix(id string) bool {
	for _, p := range regionPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// ListImages returns the OS images installable in a datacenter. The provider
// sometimes groups images per datacenter and sometimes returns a flat list;
// both shapes are handled.
func (c *Client) ListImages(ctx context.Context, datacenter string) ([]Image, error) {
	opts, err := c.serverOptions(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := opts["diskImages"]
	if !ok {
		raw = opts["disk_images"]
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var pool []Image
	var grouped map[string][]Image
	if err := json.Unmarshal(raw, &grouped); err == nil {
		pool = grouped[datacenter]
	} else if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, nil
	}

	images := make([]Image, 0, len(pool))
	for _, img := range pool {
		if strings.Contains(img.ID, datacenter) || !hasRegionPrefix(img.ID) {
			images = append(images, img)
		}
	}
	return images, nil
}

// ListNetworks returns the private VLANs of a datacenter. WAN-facing entries
// are filtered out.
func (c *Client) ListNetworks(ctx context.Context, datacenter string) ([]Network, error) {
	opts, err := c.serverOptions(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := opts["networks"]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var byName map[string]any
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, nil
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		if strings.HasPrefix(name, "wan") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	networks := make([]Network, 0, len(names))
	for _, name := range names {
		subnet, _ := byName[name].(string)
		if subnet == "" {
			subnet = fmt.Sprint(byName[name])
		}
		networks = append(networks, Network{Name: name, Subnet: subnet, Datacenter: datacenter})
	}
	return networks, nil
}

// ListDatacenters returns the provider locations available to the account.
func (c *Client) ListDatacenters(ctx context.Context) ([]Datacenter, error) {
	opts, err := c.serverOptions(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := opts["datacenters"]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var byID map[string]string
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, nil
	}
	dcs := make([]Datacenter, 0, len(byID))
	for id, name := range byID {
		dcs = append(dcs, Datacenter{ID: id, Name: name})
	}
	sort.Slice(dcs, func(i, j int) bool { return dcs[i].ID < dcs[j].ID })
	return dcs, nil
}

// TrafficID resolves the traffic package for a datacenter, needed by VM
// creation billing.
func (c *Client) TrafficID(ctx context.Context, datacenter string) (string, error) {
	opts, err := c.serverOptions(ctx)
	if err != nil {
		return "", err
	}
	raw, ok := opts["traffic"]
	if ok && len(raw) > 0 {
		// Traffic package ids arrive as strings or numbers depending on the
		// endpoint revision; tolerate both.
		var grouped map[string][]struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(raw, &grouped); err == nil {
			if pkgs := grouped[datacenter]; len(pkgs) > 0 {
				if id := idString(pkgs[0].ID); id != "" {
					return id, nil
				}
			}
		}
		var flat []struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
			if id := idString(flat[0].ID); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("provider: no traffic package for datacenter %s", datacenter)
}

// idString normalizes a loosely typed identifier field to its string form.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case json.Number:
		return id.String()
	}
	return ""
}

// AccountUserID returns the provider account identifier, used in VM naming.
func (c *Client) AccountUserID(ctx context.Context) (string, error) {
	v, err := c.cache.GetOrFill(c.cacheKey("account"), func() (any, error) {
		var raw map[string]any
		if err := c.do(ctx, http.MethodGet, "/account", nil, &raw, true); err != nil {
			return nil, err
		}
		for _, key := range []string{"userId", "user_id", "id"} {
			switch v := raw[key].(type) {
			case string:
				if v != "" {
					return v, nil
				}
			case float64:
				return strconv.FormatInt(int64(v), 10), nil
			}
		}
		return nil, fmt.Errorf("provider: account response carried no user ID")
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CreateNetwork provisions a new private VLAN.
func (c *Client) CreateNetwork(ctx context.Context, name, subnet, datacenter string) error {
	return c.do(ctx, http.MethodPost, "/network", map[string]string{
		"name":       name,
		"subnet":     subnet,
		"datacenter": datacenter,
	}, nil, true)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
