package vegetation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
)

const (
	analyzePath           = "/analyze"
	dateLayout            = "2006-01-02"
	responseBodyReadLimit = 1024
)

// Window is an inclusive date range of imagery to composite.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// Stats is the engine's NDVI summary for one window.
type Stats struct {
	AreaHectares   float64 `json:"areaHectares"`
	MeanNDVI       float64 `json:"meanNDVI"`
	MinNDVI        float64 `json:"minNDVI"`
	MaxNDVI        float64 `json:"maxNDVI"`
	CollectionSize int     `json:"collectionSize"`
	Status         string  `json:"status"`
	Image          string  `json:"image,omitempty"`
	Start          string  `json:"startDate"`
	End            string  `json:"endDate"`
}

// Result compares the before and after windows of a parcel.
type Result struct {
	Delta          float64                  `json:"delta"`
	Confidence     enums.AnalysisConfidence `json:"confidence"`
	AreaHectares   float64                  `json:"area_hectares"`
	Before         Stats                    `json:"before"`
	After          Stats                    `json:"after"`
	BeforeImageRef string                   `json:"before_image_ref,omitempty"`
	AfterImageRef  string                   `json:"after_image_ref,omitempty"`
}

// Analyzer is the contract the claim engine and the ndvi proxy depend on.
type Analyzer interface {
	Analyze(ctx context.Context, coordinates [][][]float64, before, after Window) (*Result, error)
	DefaultWindows(now time.Time) (Window, Window)
}

// Client talks to the NDVI engine over HTTP.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	timeout      time.Duration
	baselineDays int
	recentDays   int
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds an engine client. An empty engine URL yields a client
// whose every analysis is degraded.
func NewClient(cfg config.VegetationConfig, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{},
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.EngineURL), "/"),
		timeout:      cfg.Timeout,
		baselineDays: cfg.BaselineDays,
		recentDays:   cfg.RecentDays,
	}
	if c.timeout <= 0 {
		c.timeout = 8 * time.Second
	}
	if c.baselineDays <= 0 {
		c.baselineDays = 365
	}
	if c.recentDays <= 0 {
		c.recentDays = 30
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.baseURL = strings.TrimSuffix(c.baseURL, analyzePath)
	return c
}

// Configured reports whether an engine URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// DefaultWindows returns the recent window ending at now and the baseline
// window covering the same span one baseline period earlier.
func (c *Client) DefaultWindows(now time.Time) (Window, Window) {
	now = now.UTC()
	after := Window{Start: now.AddDate(0, 0, -c.recentDays), End: now}
	before := Window{
		Start: after.Start.AddDate(0, 0, -c.baselineDays),
		End:   after.End.AddDate(0, 0, -c.baselineDays),
	}
	return before, after
}

// Analyze requests both windows in parallel under a single timeout. Any
// failure returns a degraded result alongside a dependency error so callers
// can continue without the score.
func (c *Client) Analyze(ctx context.Context, coordinates [][][]float64, before, after Window) (*Result, error) {
	degraded := &Result{Confidence: enums.AnalysisDegraded}
	if !c.Configured() {
		return degraded, pkgerrors.New(pkgerrors.CodeDependency, "vegetation analysis engine not configured")
	}
	if len(coordinates) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "polygon coordinates are required")
	}
	if !before.valid() || !after.valid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "analysis windows must have start before end")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var beforeStats, afterStats *Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := c.analyzeWindow(gctx, coordinates, before)
		beforeStats = s
		return err
	})
	g.Go(func() error {
		s, err := c.analyzeWindow(gctx, coordinates, after)
		afterStats = s
		return err
	})
	if err := g.Wait(); err != nil {
		return degraded, err
	}

	if beforeStats.MeanNDVI == 0 {
		degraded.Before, degraded.After = *beforeStats, *afterStats
		return degraded, pkgerrors.New(pkgerrors.CodeDependency, "baseline NDVI is zero")
	}

	delta := (afterStats.MeanNDVI - beforeStats.MeanNDVI) / math.Abs(beforeStats.MeanNDVI) * 100
	return &Result{
		Delta:          math.Round(delta*100) / 100,
		Confidence:     enums.AnalysisNormal,
		AreaHectares:   afterStats.AreaHectares,
		Before:         *beforeStats,
		After:          *afterStats,
		BeforeImageRef: beforeStats.Image,
		AfterImageRef:  afterStats.Image,
	}, nil
}

type analyzeRequest struct {
	Polygon   analyzePolygon `json:"polygon"`
	StartDate string         `json:"startDate"`
	EndDate   string         `json:"endDate"`
}

type analyzePolygon struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

type analyzeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Stats
		Error string `json:"error"`
	} `json:"data"`
}

func (c *Client) analyzeWindow(ctx context.Context, coordinates [][][]float64, window Window) (*Stats, error) {
	payload, err := json.Marshal(analyzeRequest{
		Polygon:   analyzePolygon{Type: "Polygon", Coordinates: coordinates},
		StartDate: window.Start.Format(dateLayout),
		EndDate:   window.End.Format(dateLayout),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal analysis request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build analysis request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute analysis request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "analysis request failed")
	}

	var body analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode analysis response")
	}
	if !body.Success {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "analysis engine reported failure")
	}
	if body.Data.Error != "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "analysis engine: "+body.Data.Error)
	}
	if isFallbackStatus(body.Data.Status) || body.Data.CollectionSize == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "analysis engine returned fallback data").
			WithDetails(map[string]any{"status": body.Data.Status})
	}

	stats := body.Data.Stats
	stats.Start = window.Start.Format(dateLayout)
	stats.End = window.End.Format(dateLayout)
	return &stats, nil
}

func isFallbackStatus(status string) bool {
	lower := strings.ToLower(status)
	return strings.Contains(lower, "mock") || strings.Contains(lower, "no images")
}
