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

// Package linkstate persists the switch port pre-image of a reservation
// between its disable and restore.
package linkstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/fabric"
)

// HTTPStore keeps link state in a remote key/value service. Records are
// read with GET <url>/<reservation> and written with POST <url>.
type HTTPStore struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPStore returns a store talking to base with the given API key.
func NewHTTPStore(base, apiKey string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		url:    base,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type getResponse struct {
	ResID string `json:"resId"`
	// IBSPList is itself a JSON encoded record list.
	IBSPList string `json:"ibSplist"`
}

type postRequest struct {
	ResID    string          `json:"resid"`
	IBSPList []fabric.Record `json:"ib_splist"`
}

// Load fetches the records of reservation. The service answers a miss
// with 200 and an empty body, which is reported as fabric.ErrNoState.
func (s *HTTPStore) Load(ctx context.Context, reservation string) ([]fabric.Record, error) {
	u, err := url.JoinPath(s.url, reservation)
	if err != nil {
		return nil, fmt.Errorf("link state url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET link state of %s: %w", reservation, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET link state of %s: %w", reservation, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET link state of %s: %s", reservation, resp.Status)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		klog.V(2).InfoS("No link state recorded", "reservation", reservation)
		return nil, fabric.ErrNoState
	}

	var r getResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode link state of %s: %w", reservation, err)
	}
	if r.ResID != reservation {
		return nil, fmt.Errorf("link state key mismatch: asked for %s, got %s", reservation, r.ResID)
	}
	var records []fabric.Record
	if err := json.Unmarshal([]byte(r.IBSPList), &records); err != nil {
		return nil, fmt.Errorf("decode link state records of %s: %w", reservation, err)
	}
	return records, nil
}

// Save posts records keyed by reservation.
func (s *HTTPStore) Save(ctx context.Context, reservation string, records []fabric.Record) error {
	data, err := json.Marshal(postRequest{ResID: reservation, IBSPList: records})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST link state of %s: %w", reservation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		klog.ErrorS(nil, "Link state POST rejected", "reservation", reservation, "status", resp.Status, "body", string(msg))
		return fmt.Errorf("POST link state of %s: %s", reservation, resp.Status)
	}
	klog.V(2).InfoS("Link state saved", "reservation", reservation, "ports", len(records))
	return nil
}
