package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// tokenExpirySkew is subtracted from the reported token lifetime so we
// refresh before the backend starts rejecting calls.
const tokenExpirySkew = 5 * time.Minute

// ClientConfig holds backend RPC client configuration
type ClientConfig struct {
	AuthURL     string
	InvokerURL  string
	AppClientID string
	UserAgent   string
	Username    string
	Password    string
	Timeout     time.Duration
}

// Client is the transport session for the backend RPC surface. It owns the
// bearer-token lifecycle and invokes named remote functions with a JSON
// body through the invoker endpoint.
type Client struct {
	cfg  ClientConfig
	http *http.Client

	mu                sync.Mutex
	accessToken       string
	idToken           string
	tokenExpiry       time.Time
	cognitoIdentityID string
}

// NewClient creates a new backend RPC client. No network calls are made
// until Authenticate or the first Invoke.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Authenticate exchanges the account credentials for access and id tokens.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"client_id": c.cfg.AppClientID,
		"username":  c.cfg.Username,
		"password":  c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	// The backend expects the JSON body under a form content type.
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: auth request failed: %v", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: authentication failed (%d): %s", ErrAuthExpired, resp.StatusCode, text)
	}

	var payload struct {
		Token struct {
			AccessToken string `json:"access_token"`
			IDToken     string `json:"id_token"`
			ExpiresIn   int    `json:"expires_in"`
		} `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("%w: failed to decode auth response: %v", ErrMalformedPayload, err)
	}
	if payload.Token.AccessToken == "" {
		return fmt.Errorf("%w: no token in auth response", ErrAuthExpired)
	}

	expiresIn := payload.Token.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	c.mu.Lock()
	c.accessToken = payload.Token.AccessToken
	c.idToken = payload.Token.IDToken
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - tokenExpirySkew)
	c.mu.Unlock()

	log.Println("API: Successfully authenticated with backend")
	return nil
}

// IDToken returns the current id token and its refresh deadline. The shadow
// channel uses it as the MQTT credential.
func (c *Client) IDToken() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idToken, c.tokenExpiry
}

// SetCognitoIdentity records the federated identity used by usage, health
// and environment calls. It arrives on the device listing.
func (c *Client) SetCognitoIdentity(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		c.cognitoIdentityID = id
	}
}

func (c *Client) cognitoIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cognitoIdentityID
}

func (c *Client) ensureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	valid := c.accessToken != "" && time.Now().Before(c.tokenExpiry)
	c.mu.Unlock()
	if valid {
		return nil
	}
	return c.Authenticate(ctx)
}

// Invoke calls a named remote function through the invoker endpoint and
// returns the unwrapped response payload. A 401 triggers exactly one
// re-authenticate-and-retry; a second 401 surfaces ErrAuthExpired.
func (c *Client) Invoke(ctx context.Context, fn string, payload interface{}) (json.RawMessage, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	raw, status, err := c.invokeOnce(ctx, fn, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		log.Printf("API: Received 401 invoking %s, re-authenticating", fn)
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		raw, status, err = c.invokeOnce(ctx, fn, payload)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s rejected after token refresh", ErrAuthExpired, fn)
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrTransportUnavailable, fn, status)
	}

	return unwrapEnvelope(raw)
}

func (c *Client) invokeOnce(ctx context.Context, fn string, payload interface{}) ([]byte, int, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"parse":  false,
		"body":   payload,
		"fn":     fn,
		"escape": false,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal invoke payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.InvokerURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build invoke request: %w", err)
	}

	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invoking %s: %v", ErrTransportUnavailable, fn, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading %s response: %v", ErrTransportUnavailable, fn, err)
	}
	return raw, resp.StatusCode, nil
}

// unwrapEnvelope applies the uniform unwrap rule to an invoker response:
// decode Payload if it is a JSON-encoded string, then descend into body if
// present and decode again if that is a string.
func unwrapEnvelope(raw []byte) (json.RawMessage, error) {
	var env struct {
		StatusCode int             `json:"StatusCode"`
		Payload    json.RawMessage `json:"Payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		// Top-level arrays and scalars are not envelopes but are still
		// valid responses.
		if json.Valid(raw) {
			return json.RawMessage(raw), nil
		}
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformedPayload, err)
	}
	if env.StatusCode != http.StatusOK || env.Payload == nil {
		// Not the envelope shape; the response is the value itself.
		return json.RawMessage(raw), nil
	}

	payload := decodeIfString(env.Payload)

	var wrapper struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Body != nil {
		return decodeIfString(wrapper.Body), nil
	}

	return payload, nil
}

// decodeIfString peels one level of string encoding off a JSON value. A
// string whose contents are not valid JSON is returned as-is.
func decodeIfString(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	inner := json.RawMessage(s)
	if json.Valid(inner) {
		return inner
	}
	return raw
}
