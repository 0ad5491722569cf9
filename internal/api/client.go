// Package api is the HTTP client for the food analysis backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/models"
)

// Endpoint paths, relative to the base URL.
const (
	UploadPath  = "/hybrid-food-analysis/upload-food-image"
	AnalyzePath = "/hybrid-food-analysis/food-analyze"
	DemoPath    = "/hybrid-food-analysis/demo-food-analyze"
	UpdatePath  = "/food-analysis/"

	uploadField    = "image"
	uploadFilename = "food-image.jpg"
	maxBody        = 10 << 20
)

var (
	// ErrMissingImageURL is returned when an upload succeeds without a remote URL.
	ErrMissingImageURL = errors.New("api: upload response has no image url")
	// ErrTokenExpired is returned before sending when the bearer token is a JWT past its expiry.
	ErrTokenExpired = errors.New("api: token expired")
)

// APIError is a non-2xx response. Structured is set when the body was a JSON
// object carrying a message or error field.
type APIError struct {
	StatusCode int
	Message    string
	Structured bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// ProgressFunc receives upload progress in bytes.
type ProgressFunc func(sent, total int64)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithUploadTimeout bounds image uploads.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.uploadTimeout = d
		}
	}
}

// WithRequestTimeout bounds JSON requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// Client talks to the analysis backend. Safe for concurrent use.
type Client struct {
	base           string
	token          string
	http           *http.Client
	log            logrus.FieldLogger
	uploadTimeout  time.Duration
	requestTimeout time.Duration
}

// New creates a client for the backend at baseURL.
func New(baseURL string, log logrus.FieldLogger, opts ...Option) *Client {
	c := &Client{
		base:           strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		log:            log,
		uploadTimeout:  5 * time.Minute,
		requestTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadFoodImage uploads a JPEG and returns the hosted URL and the analysis
// id the backend created for it. progress may be nil.
func (c *Client) UploadFoodImage(ctx context.Context, data []byte, progress ProgressFunc) (*models.UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	body, err := c.postImage(ctx, UploadPath, data, progress)
	if err != nil {
		return nil, err
	}

	var resp models.AnalysisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("api: decode upload response: %w", err)
	}
	if resp.ImageURL == "" {
		return nil, ErrMissingImageURL
	}

	c.log.WithFields(logrus.Fields{
		"image_url":   resp.ImageURL,
		"analysis_id": resp.ID,
	}).Debug("image uploaded")
	return &models.UploadResult{RemoteImageURL: resp.ImageURL, AnalysisID: resp.ID}, nil
}

// AnalyzeFood asks the backend to classify an uploaded image for a meal.
func (c *Client) AnalyzeFood(ctx context.Context, meal models.MealCategory, analysisID string) (*models.AnalysisResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	payload := map[string]string{
		"meal_for":         string(meal),
		"food_analysis_id": analysisID,
	}
	body, err := c.doJSON(ctx, http.MethodPost, AnalyzePath, payload)
	if err != nil {
		return nil, err
	}
	return decodeAnalysis(body)
}

// AnalyzeImage classifies an image directly, skipping the meal selection.
func (c *Client) AnalyzeImage(ctx context.Context, data []byte) (*models.AnalysisResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	body, err := c.postImage(ctx, DemoPath, data, nil)
	if err != nil {
		return nil, err
	}
	return decodeAnalysis(body)
}

// UpdateMeal relabels an existing analysis with a meal category.
func (c *Client) UpdateMeal(ctx context.Context, analysisID string, meal models.MealCategory) error {
	if analysisID == "" {
		return fmt.Errorf("api: update meal: empty analysis id")
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	_, err := c.doJSON(ctx, http.MethodPut, UpdatePath+url.PathEscape(analysisID), map[string]string{"meal_for": string(meal)})
	return err
}

func decodeAnalysis(body []byte) (*models.AnalysisResponse, error) {
	var resp models.AnalysisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("api: decode analysis: %w", err)
	}
	return &resp, nil
}

func (c *Client) postImage(ctx context.Context, path string, data []byte, progress ProgressFunc) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadField, uploadFilename))
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("api: create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("api: write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("api: close form: %w", err)
	}

	var body io.Reader = &buf
	total := int64(buf.Len())
	if progress != nil {
		body = &progressReader{r: &buf, total: total, fn: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("api: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.token != "" {
		if err := checkExpiry(c.token); err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("api: read response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"method":  req.Method,
		"path":    req.URL.Path,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("api request")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}

	var resp models.AnalysisResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		switch {
		case resp.Error != "":
			e.Message, e.Structured = resp.Error, true
		case resp.Message != "":
			e.Message, e.Structured = resp.Message, true
		}
	}
	if !e.Structured {
		e.Message = truncate(strings.TrimSpace(string(body)), maxErrorBody)
	}
	return e
}

// maxErrorBody bounds the bytes of an unstructured error body kept in APIError.
const maxErrorBody = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// checkExpiry rejects JWTs whose exp claim has passed. Opaque tokens pass.
// The signature is the backend's concern.
func checkExpiry(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.Format(time.RFC3339))
	}
	return nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
