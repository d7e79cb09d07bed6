/*
 * Copyright (c) 2025, The ULSR Authors.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package hil is a client for the Hardware Isolation Layer REST API.
package hil

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

	"k8s.io/klog/v2"
)

// NIC is one network interface of a node.
type NIC struct {
	Label  string `json:"label"`
	Port   string `json:"port"`
	Switch string `json:"switch"`
	// Networks maps channel to network name.
	Networks map[string]string `json:"networks"`
}

// NodeInfo is the allocator's view of a node.
type NodeInfo struct {
	Name string `json:"name"`
	// Project is empty while the node is in the free pool.
	Project string `json:"project"`
	NICs    []NIC  `json:"nics"`
}

// HasNetworks reports whether any NIC has a network attached.
func (n NodeInfo) HasNetworks() bool {
	for _, nic := range n.NICs {
		if len(nic.Networks) > 0 {
			return true
		}
	}
	return false
}

// HasNetwork reports whether network is attached on channel of any NIC.
func (n NodeInfo) HasNetwork(network, channel string) bool {
	for _, nic := range n.NICs {
		if nic.Networks[channel] == network {
			return true
		}
	}
	return false
}

// ActionStatus is the state of an asynchronous networking action.
type ActionStatus string

const (
	ActionPending ActionStatus = "PENDING"
	ActionDone    ActionStatus = "DONE"
	ActionError   ActionStatus = "ERROR"
)

// Client talks to one allocator endpoint.
type Client struct {
	endpoint string
	user     string
	password string
	http     *http.Client
}

// NewClient returns a client using basic auth. A zero timeout leaves
// requests bounded only by their context.
func NewClient(endpoint, user, password string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type statusResponse struct {
	StatusID string `json:"status_id"`
}

func (c *Client) do(ctx context.Context, op, method string, body any, out any, path ...string) error {
	escaped := make([]string, len(path))
	for i, p := range path {
		escaped[i] = url.PathEscape(p)
	}
	u := c.endpoint + "/v0/" + strings.Join(escaped, "/")

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Class: Permanent, Err: err}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return &Error{Op: op, Class: Permanent, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	klog.V(4).InfoS("HIL request", "op", op, "method", method, "url", u)
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Class: Permanent, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Class: Permanent, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(data, &ae) != nil || ae.Msg == "" {
			ae.Msg = strings.TrimSpace(string(data))
		}
		return &Error{
			Op:     op,
			Class:  classify(resp.StatusCode, ae.Type),
			Status: resp.StatusCode,
			Type:   ae.Type,
			Msg:    ae.Msg,
		}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Class: Permanent, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Ping checks that the allocator answers authenticated requests.
func (c *Client) Ping(ctx context.Context) error {
	var projects []string
	return c.do(ctx, "list projects", http.MethodGet, nil, &projects, "projects")
}

// ShowNode returns the allocator's view of node.
func (c *Client) ShowNode(ctx context.Context, node string) (NodeInfo, error) {
	var info NodeInfo
	err := c.do(ctx, "show node "+node, http.MethodGet, nil, &info, "nodes", node)
	if err != nil {
		return NodeInfo{}, err
	}
	if info.Name == "" {
		info.Name = node
	}
	return info, nil
}

// PowerOff powers node off through its out-of-band management controller.
func (c *Client) PowerOff(ctx context.Context, node string) error {
	return c.do(ctx, "power off "+node, http.MethodPost, nil, nil, "node", node, "power_off")
}

// ConnectNetwork attaches network to nic on channel and returns the
// networking action id.
func (c *Client) ConnectNetwork(ctx context.Context, node, nic, network, channel string) (string, error) {
	var sr statusResponse
	body := map[string]string{"network": network, "channel": channel}
	err := c.do(ctx, "connect network "+network+" to "+node, http.MethodPost, body, &sr, "node", node, "nic", nic, "connect_network")
	return sr.StatusID, err
}

// DetachNetwork removes network from nic and returns the networking
// action id.
func (c *Client) DetachNetwork(ctx context.Context, node, nic, network string) (string, error) {
	var sr statusResponse
	body := map[string]string{"network": network}
	err := c.do(ctx, "detach network "+network+" from "+node, http.MethodPost, body, &sr, "node", node, "nic", nic, "detach_network")
	return sr.StatusID, err
}

// RevertPort removes every network from a switch port and returns the
// networking action id.
func (c *Client) RevertPort(ctx context.Context, sw, port string) (string, error) {
	var sr statusResponse
	err := c.do(ctx, "revert port "+sw+"/"+port, http.MethodPost, nil, &sr, "switch", sw, "port", port, "revert")
	return sr.StatusID, err
}

// ConnectNode adds node to project.
func (c *Client) ConnectNode(ctx context.Context, project, node string) error {
	body := map[string]string{"node": node}
	return c.do(ctx, "connect "+node+" to project "+project, http.MethodPost, body, nil, "project", project, "connect_node")
}

// DetachNode removes node from project.
func (c *Client) DetachNode(ctx context.Context, project, node string) error {
	body := map[string]string{"node": node}
	return c.do(ctx, "detach "+node+" from project "+project, http.MethodPost, body, nil, "project", project, "detach_node")
}

// ActionStatus returns the state of a networking action.
func (c *Client) ActionStatus(ctx context.Context, id string) (ActionStatus, error) {
	var out struct {
		Status ActionStatus `json:"status"`
	}
	if err := c.do(ctx, "show networking action "+id, http.MethodGet, nil, &out, "networking_action", id); err != nil {
		return "", err
	}
	return out.Status, nil
}
