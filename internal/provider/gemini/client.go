// Package gemini adapts the Gemini long-running generation API to the
// provider contract. Without an API key the client runs in synthetic mode:
// handles, poll outcomes and payloads are derived deterministically so the
// whole pipeline stays operational in local and CI environments.
package gemini

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/provider"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger

	// SyntheticDelay is how long a synthetic job stays pending before it
	// completes. Zero means the defaultSyntheticDelay.
	SyntheticDelay time.Duration

	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

const (
	defaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel          = "gemini-2.5-flash"
	defaultSyntheticDelay = 10 * time.Second

	syntheticHandlePrefix  = "synthetic-op:"
	syntheticLocatorPrefix = "synthetic:"
)

// Client implements provider.Adapter for Gemini.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	httpClient     *http.Client
	logger         *infra.Logger
	syntheticDelay time.Duration
	now            func() time.Time
}

// NewClient constructs a Gemini client with sane defaults. A nil HTTP client
// is replaced with a reusable one carrying a conservative timeout.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	delay := opts.SyntheticDelay
	if delay <= 0 {
		delay = defaultSyntheticDelay
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Client{
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        baseURL,
		model:          model,
		httpClient:     httpClient,
		logger:         logger,
		syntheticDelay: delay,
		now:            now,
	}, nil
}

// Name identifies the adapter in the provider registry.
func (c *Client) Name() string { return "gemini" }

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string { return c.model }

// Start submits a generation request and returns the provider's operation
// handle. Provider-side rejections surface as *provider.SubmissionError.
func (c *Client) Start(ctx context.Context, req provider.StartRequest) (provider.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &provider.SubmissionError{Reason: "invalid_prompt", Message: "prompt must not be empty"}
	}

	if c.apiKey == "" {
		return c.syntheticStart(req), nil
	}
	return c.remoteStart(ctx, req)
}

// Poll checks the state of a started operation. The mapping is: pending while
// the operation is not done, succeeded with a result locator, or failed with
// the provider's terminal error. Polling a terminal handle is idempotent.
func (c *Client) Poll(ctx context.Context, handle provider.Handle) (provider.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.PollResult{}, &provider.TransientPollError{Err: err}
	}
	if strings.HasPrefix(string(handle), syntheticHandlePrefix) {
		return c.syntheticPoll(handle)
	}
	return c.remotePoll(ctx, handle)
}

// Fetch downloads the payload behind a terminal result locator.
func (c *Client) Fetch(ctx context.Context, locator string) (provider.Payload, error) {
	if err := ctx.Err(); err != nil {
		return provider.Payload{}, err
	}
	if strings.HasPrefix(locator, syntheticLocatorPrefix) {
		return syntheticPayload(locator)
	}
	return c.remoteFetch(ctx, locator)
}

// --- synthetic mode ---

// syntheticStart encodes everything Poll and Fetch need into the handle:
// kind, dimensions, seed and the unix time at which the job completes.
func (c *Client) syntheticStart(req provider.StartRequest) provider.Handle {
	width, height := normalizeAspect(req.AspectRatio)
	seed := deterministicSeed(req.JobID, string(req.Type), req.Prompt, c.model)
	kind := "image"
	if req.Type == domain.JobTypeVideoGenerate {
		kind = "video"
	}
	readyAt := c.now().Add(c.syntheticDelay).Unix()

	c.logger.Debug().
		Str("job_id", req.JobID).
		Str("model", c.model).
		Str("seed", seed).
		Msg("gemini: started synthetic operation")

	return provider.Handle(fmt.Sprintf("%s%s:%dx%d:%s:%d", syntheticHandlePrefix, kind, width, height, seed, readyAt))
}

func (c *Client) syntheticPoll(handle provider.Handle) (provider.PollResult, error) {
	parts := strings.Split(strings.TrimPrefix(string(handle), syntheticHandlePrefix), ":")
	if len(parts) != 4 {
		return provider.PollResult{}, &provider.PermanentPollError{Message: "malformed synthetic handle"}
	}
	readyAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return provider.PollResult{}, &provider.PermanentPollError{Message: "malformed synthetic handle"}
	}
	if c.now().Unix() < readyAt {
		return provider.PollResult{Outcome: provider.OutcomePending}, nil
	}
	locator := syntheticLocatorPrefix + strings.Join(parts[:3], ":")
	return provider.PollResult{Outcome: provider.OutcomeSucceeded, ResultLocator: locator}, nil
}

func syntheticPayload(locator string) (provider.Payload, error) {
	parts := strings.Split(strings.TrimPrefix(locator, syntheticLocatorPrefix), ":")
	if len(parts) != 3 {
		return provider.Payload{}, fmt.Errorf("malformed synthetic locator %q", locator)
	}
	kind, dims, seed := parts[0], parts[1], parts[2]
	width, height := parseDims(dims)

	if kind == "video" {
		return provider.Payload{
			Data:   renderSyntheticVideo(seed),
			MIME:   "video/mp4",
			Width:  width,
			Height: height,
		}, nil
	}
	data := renderSyntheticImage(width, height, seed)
	if data == nil {
		return provider.Payload{}, fmt.Errorf("render synthetic image for %q", locator)
	}
	return provider.Payload{Data: data, MIME: "image/png", Width: width, Height: height}, nil
}

// --- remote mode ---

type operationResponse struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GeneratedSamples []struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
		} `json:"generatedSamples"`
	} `json:"response,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) remoteStart(ctx context.Context, req provider.StartRequest) (provider.Handle, error) {
	payload := map[string]any{
		"instances": []map[string]any{{
			"prompt": buildPrompt(req),
		}},
		"parameters": map[string]any{
			"sampleCount": clampQuantity(req.Quantity),
			"aspectRatio": req.AspectRatio,
		},
	}
	endpoint := fmt.Sprintf("%s/models/%s:predictLongRunning", c.baseURL, url.PathEscape(c.model))

	var op operationResponse
	if err := c.invoke(ctx, http.MethodPost, endpoint, payload, &op); err != nil {
		return "", classifyStartError(err)
	}
	if op.Name == "" {
		return "", &provider.SubmissionError{Reason: "no_operation", Message: "provider returned no operation name"}
	}

	c.logger.Debug().
		Str("job_id", req.JobID).
		Str("operation", op.Name).
		Str("model", c.model).
		Msg("gemini: started remote operation")

	return provider.Handle(op.Name), nil
}

func (c *Client) remotePoll(ctx context.Context, handle provider.Handle) (provider.PollResult, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(string(handle), "/"))

	var op operationResponse
	if err := c.invoke(ctx, http.MethodGet, endpoint, nil, &op); err != nil {
		var status *statusError
		if errors.As(err, &status) && (status.code == http.StatusNotFound || status.code == http.StatusGone) {
			return provider.PollResult{}, &provider.PermanentPollError{Message: "operation handle invalid or expired"}
		}
		return provider.PollResult{}, &provider.TransientPollError{Err: err}
	}

	if !op.Done {
		return provider.PollResult{Outcome: provider.OutcomePending}, nil
	}
	if op.Error != nil {
		return provider.PollResult{Outcome: provider.OutcomeFailed, Message: op.Error.Message}, nil
	}
	if op.Response == nil || len(op.Response.GeneratedSamples) == 0 {
		return provider.PollResult{Outcome: provider.OutcomeFailed, Message: "operation finished without output"}, nil
	}
	return provider.PollResult{
		Outcome:       provider.OutcomeSucceeded,
		ResultLocator: op.Response.GeneratedSamples[0].URI,
	}, nil
}

func (c *Client) remoteFetch(ctx context.Context, locator string) (provider.Payload, error) {
	target := locator
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(locator, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return provider.Payload{}, fmt.Errorf("create fetch request: %w", err)
	}
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Payload{}, fmt.Errorf("fetch result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return provider.Payload{}, fmt.Errorf("fetch result status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Payload{}, fmt.Errorf("read result body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	width, height := decodeImageDimensions(blob)
	return provider.Payload{Data: blob, MIME: mime, Width: width, Height: height}, nil
}

type statusError struct {
	code    int
	status  string
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gemini status %d: %s", e.code, e.message)
}

func (c *Client) invoke(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return &statusError{code: resp.StatusCode, status: apiErr.Error.Status, message: apiErr.Error.Message}
		}
		data, _ := io.ReadAll(resp.Body)
		return &statusError{code: resp.StatusCode, message: strings.TrimSpace(string(data))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

// classifyStartError maps HTTP-level start failures onto the submission error
// taxonomy: client errors are rejections the submitter must see, everything
// else stays a plain error for the caller to surface.
func classifyStartError(err error) error {
	var status *statusError
	if !errors.As(err, &status) {
		return err
	}
	switch status.code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &provider.SubmissionError{Reason: "invalid_parameters", Message: status.message}
	case http.StatusForbidden, http.StatusTooManyRequests:
		return &provider.SubmissionError{Reason: "quota", Message: status.message}
	default:
		return err
	}
}

// --- helpers ---

func buildPrompt(req provider.StartRequest) string {
	var b strings.Builder
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		b.WriteString(prompt)
	}
	if aspect := strings.TrimSpace(req.AspectRatio); aspect != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Aspect ratio: ")
		b.WriteString(aspect)
	}
	if b.Len() == 0 {
		b.WriteString("Create a generated media asset")
	}
	return b.String()
}

func clampQuantity(quantity int) int {
	if quantity <= 0 {
		return 1
	}
	if quantity > 4 {
		return 4
	}
	return quantity
}

func parseDims(dims string) (int, int) {
	parts := strings.SplitN(dims, "x", 2)
	if len(parts) != 2 {
		return 1024, 1024
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1024, 1024
	}
	return w, h
}

func decodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func deterministicSeed(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

func normalizeAspect(aspect string) (int, int) {
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "16:9":
		return 1920, 1080
	case "9:16":
		return 1080, 1920
	case "4:5":
		return 1024, 1280
	case "3:2":
		return 1536, 1024
	case "1:1", "square", "":
		return 1024, 1024
	default:
		parts := strings.Split(aspect, ":")
		if len(parts) == 2 {
			if a, errA := strconv.Atoi(strings.TrimSpace(parts[0])); errA == nil {
				if b, errB := strconv.Atoi(strings.TrimSpace(parts[1])); errB == nil && a > 0 && b > 0 {
					width := 1024
					height := int(float64(width) * float64(b) / float64(a))
					return width, height
				}
			}
		}
		return 1024, 1024
	}
}

func renderSyntheticImage(width, height int, seed string) []byte {
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := maxInt(32, height/12)
	for y := 0; y < height; y += stripeHeight * 2 {
		stripe := image.Rect(0, y, width, minInt(height, y+stripeHeight))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func renderSyntheticVideo(seed string) []byte {
	lines := []string{
		"Synthetic video placeholder",
		fmt.Sprintf("Seed: %s", seed),
		"",
		"This placeholder represents where rendered video bytes would be",
		"stored once the remote video API integration is enabled.",
	}
	return []byte(strings.Join(lines, "\n"))
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = seed + "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{
		R: mustParseHexByte(segment[0:2]),
		G: mustParseHexByte(segment[2:4]),
		B: mustParseHexByte(segment[4:6]),
		A: 255,
	}
}

func mustParseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
