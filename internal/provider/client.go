package provider

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

	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/domain"
)

// Client talks to the hosted e-signature provider's REST API. Calls carry
// bounded timeouts and a small retry budget on transport errors and 5xx
// responses; 4xx responses are never retried.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTP         *http.Client
	MaxRetries   int
	Log          *zap.Logger
}

func NewClient(baseURL, clientID, clientSecret, redirectURL string, timeout time.Duration, maxRetries int, log *zap.Logger) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		HTTP:         &http.Client{Timeout: timeout},
		MaxRetries:   maxRetries,
		Log:          log,
	}
}

// AuthorizeURL builds the provider authorization redirect with the PKCE
// challenge attached.
func (c *Client) AuthorizeURL(state, codeChallenge string) string {
	u, _ := url.Parse(c.BaseURL + "/oauth/authorize")
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("redirect_uri", c.RedirectURL)
	q.Set("scope", "signature")
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String()
}

type TokenPair struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresIn         int64  `json:"expires_in"`
	ProviderAccountID string `json:"account_id"`
}

func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (TokenPair, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {codeVerifier},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"redirect_uri":  {c.RedirectURL},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", domain.ErrProviderAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TokenPair{}, fmt.Errorf("%w: token endpoint returned %d: %s", domain.ErrProviderAuth, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return TokenPair{}, fmt.Errorf("%w: decode token response: %v", domain.ErrProviderAuth, err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: token endpoint returned empty pair", domain.ErrProviderAuth)
	}
	return pair, nil
}

// EnvelopeRecipient is one signer slot in a provider envelope.
type EnvelopeRecipient struct {
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

// EnvelopeTab maps a document anchor marker to a provider field placement.
type EnvelopeTab struct {
	Recipient int    `json:"recipient"`
	Kind      string `json:"kind"`
	Anchor    string `json:"anchor"`
}

type EnvelopeRequest struct {
	Subject    string              `json:"subject"`
	Document   string              `json:"document"`
	Recipients []EnvelopeRecipient `json:"recipients"`
	Tabs       []EnvelopeTab       `json:"tabs"`
}

type EnvelopeStatus struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
}

func (c *Client) CreateEnvelope(ctx context.Context, accessToken string, env EnvelopeRequest) (string, error) {
	var out EnvelopeStatus
	if err := c.doJSON(ctx, http.MethodPost, "/v1/envelopes", accessToken, env, &out); err != nil {
		return "", err
	}
	if out.EnvelopeID == "" {
		return "", fmt.Errorf("%w: provider returned no envelope id", domain.ErrProviderAPI)
	}
	return out.EnvelopeID, nil
}

func (c *Client) GetEnvelope(ctx context.Context, accessToken, envelopeID string) (EnvelopeStatus, error) {
	var out EnvelopeStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/envelopes/"+url.PathEscape(envelopeID), accessToken, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path, accessToken string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	attempts := c.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("authorization", "Bearer "+accessToken)
		if payload != nil {
			req.Header.Set("content-type", "application/json")
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			// Transport failure: retryable.
			lastErr = fmt.Errorf("%w: %v", domain.ErrProviderAPI, err)
			c.logRetry(path, attempt, lastErr)
			continue
		}

		var retryable bool
		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				lastErr = fmt.Errorf("%w: provider returned 401", domain.ErrProviderAuth)
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("%w: provider returned %d", domain.ErrProviderAPI, resp.StatusCode)
				retryable = true
			case resp.StatusCode >= 400:
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				lastErr = fmt.Errorf("%w: provider returned %d: %s", domain.ErrProviderAPI, resp.StatusCode, strings.TrimSpace(string(b)))
			default:
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			}
		}()

		if lastErr == nil {
			return nil
		}
		if !retryable {
			return lastErr
		}
		c.logRetry(path, attempt, lastErr)
	}
	return lastErr
}

func (c *Client) logRetry(path string, attempt int, err error) {
	if c.Log != nil {
		c.Log.Warn("provider call failed", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
	}
}
