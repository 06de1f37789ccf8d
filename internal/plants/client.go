package plants

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lnhm-botany/plant-monitor/internal/config"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Client retrieves plant snapshots from the plant sensor API.
type Client struct {
	http        *http.Client
	baseURL     string
	timeout     time.Duration
	concurrency int
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
}

// NewClient builds a Client. Per-request timeouts come from cfg, so the
// http.Client should not carry its own overall timeout.
func NewClient(httpClient *http.Client, cfg config.SourceConfig, log logrus.FieldLogger, m *metrics.Metrics) *Client {
	return &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/") + "/",
		timeout:     cfg.RequestTimeout,
		concurrency: cfg.Concurrency,
		log:         log,
		metrics:     m,
	}
}

// FetchAll retrieves plants 0..n-1 concurrently and returns exactly n
// snapshots, slot i holding plant i. It waits for every request to finish
// or time out; individual failures become Failure snapshots.
func (c *Client) FetchAll(ctx context.Context, n int) []Snapshot {
	if n <= 0 {
		return []Snapshot{}
	}
	results := make([]Snapshot, n)

	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for id := 0; id < n; id++ {
		g.Go(func() error {
			results[id] = c.Fetch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Fetch retrieves a single plant snapshot under its own timeout.
func (c *Client) Fetch(ctx context.Context, plantID int) Snapshot {
	start := time.Now()
	snap := c.fetch(ctx, plantID)
	c.record(snap, time.Since(start))
	return snap
}

func (c *Client) fetch(ctx context.Context, plantID int) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+strconv.Itoa(plantID), nil)
	if err != nil {
		return transportFailure(plantID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure(plantID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportFailure(plantID, fmt.Errorf("read body: %w", err))
	}

	return DecodeSnapshot(plantID, resp.StatusCode, body)
}

func transportFailure(plantID int, err error) *Failure {
	if isTimeout(err) {
		return &Failure{PlantID: plantID, Kind: KindTimeout, Reason: ReasonTimeout, Status: SentinelStatus}
	}
	return &Failure{PlantID: plantID, Kind: KindTransport, Reason: err.Error(), Status: SentinelStatus}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) record(snap Snapshot, took time.Duration) {
	entry := c.log.WithFields(logrus.Fields{
		"plant_id": snap.ID(),
		"duration": took.String(),
	})

	switch s := snap.(type) {
	case *Success:
		c.metrics.FetchTotal.WithLabelValues("success").Inc()
		entry.WithField("status", s.Status).Info("plant data retrieved")
	case *Failure:
		c.metrics.FetchTotal.WithLabelValues(string(s.Kind)).Inc()
		entry.WithFields(logrus.Fields{
			"status": s.Status,
			"kind":   s.Kind,
			"reason": s.Reason,
		}).Warn("plant data unavailable")
	}
}
