package deviceflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// State of a device-authorization attempt, reported through OnState.
type State string

const (
	StateRequestingCode        State = "requesting_code"
	StateAwaitingAuthorization State = "awaiting_authorization"
	StatePolling               State = "polling"
	StateAuthorized            State = "authorized"
	StateDenied                State = "denied"
	StateExpired               State = "expired"
)

var (
	// ErrAccessDenied is returned when the user rejected the device on the
	// verification page.
	ErrAccessDenied = errors.New("device authorization was denied")
	// ErrCodeExpired is returned when the server reports the device code as
	// expired or already consumed.
	ErrCodeExpired = errors.New("device code expired")
	// ErrTimeout is returned when expires_in elapsed locally without the
	// server settling the session.
	ErrTimeout = errors.New("timed out waiting for device authorization")
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

type DeviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
}

// Flow drives a device-authorization login against the auth server and
// persists the result through the CredentialManager.
type Flow struct {
	BaseURL     string
	ClientID    string
	Scope       string
	HTTPClient  *http.Client
	Credentials CredentialManager

	// OnState and OnCode let the caller render progress; both are optional.
	OnState func(State)
	OnCode  func(DeviceCode)
}

func (f *Flow) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (f *Flow) setState(s State) {
	if f.OnState != nil {
		f.OnState(s)
	}
}

// Login runs the full flow: request a code, wait for the user to approve it
// in a browser, poll for tokens, and save the credentials. It blocks until a
// terminal state or ctx cancellation.
func (f *Flow) Login(ctx context.Context) (*Credentials, error) {
	f.setState(StateRequestingCode)
	code, err := f.RequestCode(ctx)
	if err != nil {
		return nil, err
	}

	f.setState(StateAwaitingAuthorization)
	if f.OnCode != nil {
		f.OnCode(*code)
	}

	creds, err := f.Poll(ctx, code)
	if err != nil {
		return nil, err
	}
	if f.Credentials != nil {
		if err := f.Credentials.SaveCredentials(*creds); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// RequestCode asks the server for a fresh device/user code pair.
func (f *Flow) RequestCode(ctx context.Context) (*DeviceCode, error) {
	body := map[string]string{"client_id": f.ClientID}
	if f.Scope != "" {
		body["scope"] = f.Scope
	}

	var code DeviceCode
	status, err := f.postJSON(ctx, "/oauth/device/code", body, &code)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device code request failed with status %d", status)
	}
	if code.Interval <= 0 {
		code.Interval = 5
	}
	return &code, nil
}

// Poll exchanges the device code for tokens, honouring the server's pacing.
// slow_down always grows the interval by two seconds; the loop also gives up
// once expires_in has elapsed locally, regardless of what the server says.
func (f *Flow) Poll(ctx context.Context, code *DeviceCode) (*Credentials, error) {
	f.setState(StatePolling)

	deadline := time.Now().Add(time.Duration(code.ExpiresIn) * time.Second)
	interval := time.Duration(code.Interval) * time.Second

	for {
		if time.Now().After(deadline) {
			f.setState(StateExpired)
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		var tok tokenResponse
		status, err := f.postJSON(ctx, "/oauth/token", map[string]string{
			"grant_type":  deviceGrantType,
			"device_code": code.DeviceCode,
			"client_id":   f.ClientID,
		}, &tok)
		if err != nil {
			return nil, err
		}

		if status == http.StatusOK {
			f.setState(StateAuthorized)
			return &Credentials{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
				Scope:        tok.Scope,
			}, nil
		}

		switch tok.Error {
		case "authorization_pending":
		case "slow_down":
			interval += 2 * time.Second
		case "expired_token":
			f.setState(StateExpired)
			return nil, ErrCodeExpired
		case "access_denied":
			f.setState(StateDenied)
			return nil, ErrAccessDenied
		default:
			return nil, fmt.Errorf("token exchange failed: %s (status %d)", tok.Error, status)
		}
	}
}

func (f *Flow) postJSON(ctx context.Context, path string, in any, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := f.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("decode %s response: %w", path, err)
	}
	return res.StatusCode, nil
}
