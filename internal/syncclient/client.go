// Copyright 2024 The Histlog Authors
// This file is part of Histlog.
//
// Histlog is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Histlog is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Histlog. If not, see <http://www.gnu.org/licenses/>.

// Package syncclient drives one synchronous sync cycle against a relay
// server: status exchange, upload, download, materialization (spec.md
// §4.3). It never runs two phases concurrently, but fans pages for
// distinct (host, stream) pairs out within a phase, since those chains
// have no ordering constraint between each other.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/intutil"
	"github.com/histlog/histlog/internal/materialize"
	"github.com/histlog/histlog/internal/record"
	"github.com/histlog/histlog/internal/recordstore"
	"github.com/histlog/histlog/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentChains bounds how many distinct (host, stream) pairs are
// synced at once within one phase.
const maxConcurrentChains = 8

// maxRetries is the bounded number of attempts per HTTP call (spec.md
// §4.3: "bounded exponential backoff... capped, e.g. at 3 tries").
const maxRetries = 3

// Options configures a Client.
type Options struct {
	RelayURL       string
	Token          string
	PageSize       int
	RequestTimeout time.Duration
}

// Client syncs a local record store against a relay server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	pageSize   int
	timeout    time.Duration

	store  *recordstore.Store
	mat    *materialize.Materializer
	logger *zap.Logger
}

// New builds a Client over an already-open record store and
// materializer.
func New(opts Options, store *recordstore.Store, mat *materialize.Materializer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{},
		baseURL:    opts.RelayURL,
		token:      opts.Token,
		pageSize:   pageSize,
		timeout:    timeout,
		store:      store,
		mat:        mat,
		logger:     logger,
	}
}

// Run executes one sync cycle: status exchange, upload, then download,
// materializing each downloaded record as it is integrated (spec.md §4.3).
func (c *Client) Run(ctx context.Context) error {
	localStatus, err := c.store.Status(ctx)
	if err != nil {
		return err
	}

	serverStatus, err := c.fetchStatus(ctx)
	if err != nil {
		return err
	}

	if err := c.uploadPhase(ctx, localStatus, serverStatus); err != nil {
		return err
	}
	if err := c.downloadPhase(ctx, localStatus, serverStatus); err != nil {
		return err
	}
	return nil
}

func (c *Client) uploadPhase(ctx context.Context, localStatus, serverStatus map[record.Key]uint64) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentChains)

	for key, localMax := range localStatus {
		key, localMax := key, localMax
		serverMax, serverHas := serverStatus[key]
		from := uint64(0)
		if serverHas {
			from = serverMax + 1
		}
		if from > localMax {
			continue
		}
		group.Go(func() error { return c.uploadChain(gctx, key, from, localMax) })
	}

	return group.Wait()
}

func (c *Client) uploadChain(ctx context.Context, key record.Key, from, through uint64) error {
	for from <= through {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("syncclient: %w", herrors.ErrCancelled)
		}
		batch, err := c.store.Range(ctx, key.Host, key.Stream, from, c.pageSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		results, err := c.postRecords(ctx, batch)
		if err != nil {
			return err
		}
		for _, res := range results {
			if !res.OK {
				c.logger.Error("relay rejected uploaded record",
					zap.String("record_id", res.ID), zap.String("error", res.Error))
				return fmt.Errorf("syncclient: relay rejected record %s (%s): %w", res.ID, res.Error, herrors.ErrChainDivergence)
			}
		}

		from = batch[len(batch)-1].Index + 1
	}
	return nil
}

// chainRange is one (host, stream) chain's pending download window.
type chainRange struct {
	key  record.Key
	from uint64
	thru uint64
}

func (c *Client) downloadPhase(ctx context.Context, localStatus, serverStatus map[record.Key]uint64) error {
	var ordinary, tombstones []chainRange

	for key, serverMax := range serverStatus {
		localMax, localHas := localStatus[key]
		from := uint64(0)
		if localHas {
			from = localMax + 1
		}
		if from > serverMax {
			continue
		}
		cr := chainRange{key: key, from: from, thru: serverMax}
		if key.Stream == record.StreamTombstone {
			tombstones = append(tombstones, cr)
		} else {
			ordinary = append(ordinary, cr)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentChains)
	for _, cr := range ordinary {
		cr := cr
		group.Go(func() error { return c.downloadChain(gctx, cr.key, cr.from, cr.thru) })
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Tombstones are downloaded and applied only once every other
	// stream's chains in this phase have fully materialized, and one
	// at a time rather than fanned out alongside them: a tombstone
	// whose target arrived concurrently (or not yet at all) would
	// otherwise find store.Get returning nil and become a permanent
	// no-op, since a tombstone record is never reprocessed once
	// integrated (spec.md §8: tombstones apply after their targets).
	for _, cr := range tombstones {
		if err := c.downloadChain(ctx, cr.key, cr.from, cr.thru); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) downloadChain(ctx context.Context, key record.Key, from, through uint64) error {
	lag := intutil.AbsoluteDifference(through, from) + 1
	c.logger.Debug("downloading chain",
		zap.String("host", key.Host.String()), zap.String("stream", string(key.Stream)),
		zap.Uint64("lag", lag), zap.Int("pages", intutil.CeilDiv(int(lag), c.pageSize)))

	for from <= through {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("syncclient: %w", herrors.ErrCancelled)
		}
		count := c.pageSize
		if remaining := through - from + 1; remaining < uint64(count) {
			count = int(remaining)
		}

		page, err := c.fetchRecords(ctx, key.Host, key.Stream, from, count)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for _, rec := range page {
			if err := c.store.Append(ctx, rec); err != nil {
				return fmt.Errorf("syncclient: integrating %s: %w", rec.ID, err)
			}
			if err := c.mat.Apply(ctx, rec); err != nil {
				return err
			}
		}

		from = page[len(page)-1].Index + 1
	}
	return nil
}

// fetchStatus calls GET /sync/status and converts the response into
// the same map[record.Key]uint64 shape as recordstore.Status.
func (c *Client) fetchStatus(ctx context.Context) (map[record.Key]uint64, error) {
	var resp wire.StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/status", nil, &resp); err != nil {
		return nil, err
	}

	out := make(map[record.Key]uint64)
	for hostStr, streams := range resp.Hosts {
		host, err := ids.Parse(hostStr)
		if err != nil {
			return nil, fmt.Errorf("syncclient: status: bad host %q: %w: %v", hostStr, herrors.ErrCorruptPayload, err)
		}
		for streamStr, idx := range streams {
			out[record.Key{Host: host, Stream: record.Stream(streamStr)}] = idx
		}
	}
	return out, nil
}

func (c *Client) postRecords(ctx context.Context, batch []record.Record) ([]wire.AppendResult, error) {
	body := make([]wire.Record, len(batch))
	for i, rec := range batch {
		body[i] = wire.FromRecord(rec)
	}

	var results []wire.AppendResult
	if err := c.doJSON(ctx, http.MethodPost, "/records", body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) fetchRecords(ctx context.Context, host ids.ID, stream record.Stream, start uint64, count int) ([]record.Record, error) {
	path := "/records?" + url.Values{
		"host":   {host.String()},
		"stream": {string(stream)},
		"start":  {strconv.FormatUint(start, 10)},
		"count":  {strconv.Itoa(count)},
	}.Encode()

	var wireRecords []wire.Record
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wireRecords); err != nil {
		return nil, err
	}

	out := make([]record.Record, len(wireRecords))
	for i, wr := range wireRecords {
		rec, err := wr.ToRecord()
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// doJSON performs one HTTP request with an independent timeout and
// bounded retry of transient failures (spec.md §4.3), decoding a JSON
// response body into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncclient: encode request: %w: %v", herrors.ErrInvalidInput, err)
		}
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries-1)

	var respBytes []byte
	var statusCode int
	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("syncclient: build request: %w: %v", herrors.ErrInvalidInput, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Token "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("syncclient: %w", herrors.ErrCancelled))
			}
			return fmt.Errorf("syncclient: %w: %v", herrors.ErrOffline, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("syncclient: %w: read response: %v", herrors.ErrOffline, err)
		}

		statusCode = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusOK:
			respBytes = data
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("syncclient: %w", herrors.ErrAuthFailed))
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("syncclient: %w", herrors.ErrQuotaExceeded))
		case resp.StatusCode >= 500:
			return fmt.Errorf("syncclient: %w: status %d", herrors.ErrServerError, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("syncclient: unexpected status %d: %s", resp.StatusCode, data))
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}
	if out == nil || len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("syncclient: decode response (status %d): %w: %v", statusCode, herrors.ErrCorruptPayload, err)
	}
	return nil
}
