package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/metrics"
	"github.com/iaze0088/IazeConnect-sub004/pkg/validation"
)

const maxResponseBody = 4 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPConfig configures the WPPConnect-style session server client.
type HTTPConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// HTTPProvider talks to a WPPConnect-style session server over REST.
type HTTPProvider struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

type generateTokenResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
	Token   string `json:"token"`
}

type sessionResponse struct {
	Status  interface{} `json:"status"`
	State   string      `json:"state"`
	QRCode  string      `json:"qrcode"`
	URLCode string      `json:"urlcode"`
	Message string      `json:"message"`
}

type hostDeviceResponse struct {
	Response struct {
		Phone string `json:"phone"`
		Wid   struct {
			User string `json:"user"`
		} `json:"wid"`
	} `json:"response"`
}

func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if err := validation.ValidateURL(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider base url: %w", err)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("provider secret key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *HTTPProvider) Name() string {
	return "http"
}

func (p *HTTPProvider) CreateSession(ctx context.Context, name string, webhookURL string) (result CreateResult, err error) {
	done := metrics.TrackProviderCall("create_session")
	defer func() { done(outcomeOf(err)) }()

	var token generateTokenResponse
	tokenPath := fmt.Sprintf("/api/%s/%s/generate-token", url.PathEscape(name), url.PathEscape(p.secretKey))
	code, err := p.do(ctx, http.MethodPost, tokenPath, "", nil, &token)
	if err != nil {
		return CreateResult{}, err
	}
	if code >= http.StatusBadRequest || token.Token == "" {
		return CreateResult{Success: false, Message: fmt.Sprintf("provider refused token generation (HTTP %d)", code)}, nil
	}

	body := map[string]interface{}{"waitQrCode": true}
	if webhookURL != "" {
		body["webhook"] = webhookURL
	}
	var started sessionResponse
	code, err = p.do(ctx, http.MethodPost, "/api/"+url.PathEscape(name)+"/start-session", token.Token, body, &started)
	if err != nil {
		return CreateResult{Token: token.Token}, err
	}
	if code >= http.StatusBadRequest {
		return CreateResult{Success: false, Token: token.Token, Message: started.failureMessage(code)}, nil
	}

	status := p.toRawStatus(started)
	return CreateResult{
		Success:   true,
		QRCode:    status.QRCode,
		RawStatus: status,
		Token:     token.Token,
	}, nil
}

func (p *HTTPProvider) GetStatus(ctx context.Context, name string, token string, lastKnown RawStatus) RawStatus {
	var err error
	done := metrics.TrackProviderCall("get_status")
	defer func() { done(outcomeOf(err)) }()

	var resp sessionResponse
	code, err := p.do(ctx, http.MethodGet, "/api/"+url.PathEscape(name)+"/status-session", token, nil, &resp)
	if err != nil {
		log.Print(nil).WithError(err).WithField("instance", name).Warn("Provider status unavailable, using last known status")
		return cached(lastKnown)
	}
	if code == http.StatusNotFound {
		return RawStatus{State: StateNotFound, ObservedAt: time.Now()}
	}
	if code >= http.StatusBadRequest {
		return cached(lastKnown)
	}

	status := p.toRawStatus(resp)
	if status.Connected {
		status.Phone = p.hostPhone(ctx, name, token)
		if status.Phone == "" {
			status.Phone = lastKnown.Phone
		}
	}
	return status
}

func (p *HTTPProvider) CloseSession(ctx context.Context, name string, token string) (result CloseResult, err error) {
	done := metrics.TrackProviderCall("close_session")
	defer func() { done(outcomeOf(err)) }()

	var resp sessionResponse
	code, err := p.do(ctx, http.MethodPost, "/api/"+url.PathEscape(name)+"/close-session", token, nil, &resp)
	if err != nil {
		return CloseResult{}, err
	}
	// Closing a session the server no longer knows about is a success.
	if code == http.StatusNotFound || code < http.StatusBadRequest {
		return CloseResult{Success: true, Message: resp.Message}, nil
	}
	return CloseResult{Success: false, Message: resp.failureMessage(code)}, nil
}

func (p *HTTPProvider) hostPhone(ctx context.Context, name string, token string) string {
	var resp hostDeviceResponse
	code, err := p.do(ctx, http.MethodGet, "/api/"+url.PathEscape(name)+"/host-device", token, nil, &resp)
	if err != nil || code >= http.StatusBadRequest {
		return ""
	}
	if phone := validation.NormalizePhone(resp.Response.Wid.User); phone != "" {
		return phone
	}
	return validation.NormalizePhone(resp.Response.Phone)
}

func (p *HTTPProvider) toRawStatus(resp sessionResponse) RawStatus {
	state := resp.State
	if s, ok := resp.Status.(string); ok && s != "" {
		state = s
	}
	status := RawStatus{
		State:      state,
		Connected:  IsConnectedState(state) || IsConnectedState(resp.State),
		ObservedAt: time.Now(),
	}
	if !status.Connected {
		qr, err := QRFromProvider(resp.QRCode, resp.URLCode)
		if err != nil {
			log.Print(nil).WithError(err).Warn("Unable to normalize provider QR code")
		}
		status.QRCode = qr
	}
	return status
}

// do returns ErrProviderUnavailable for transport failures and 5xx answers.
// Any other status code is returned to the caller with the decoded body.
func (p *HTTPProvider) do(ctx context.Context, method string, path string, token string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrProviderUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < http.StatusBadRequest {
			return resp.StatusCode, fmt.Errorf("decode provider response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (r sessionResponse) failureMessage(code int) string {
	if r.Message != "" {
		return r.Message
	}
	return fmt.Sprintf("provider returned HTTP %d", code)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
