package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/kavenhq/kaven/internal/audit"
	"github.com/kavenhq/kaven/internal/ledger"
	"github.com/kavenhq/kaven/internal/logging"
	"github.com/kavenhq/kaven/internal/repo"
	"github.com/kavenhq/kaven/internal/tokens"
)

const (
	deviceCodeTTL      = 10 * time.Minute
	devicePollInterval = 5 // seconds, advertised to the client
)

// userCodeAlphabet avoids vowels and ambiguous glyphs so the code survives
// being read aloud or retyped.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// DeviceError is a structured OAuth device-grant error. Pending and
// slow_down are part of the protocol's steady state, not failures.
type DeviceError struct {
	Code string
}

func (e *DeviceError) Error() string { return e.Code }

var (
	ErrAuthorizationPending = &DeviceError{Code: "authorization_pending"}
	ErrSlowDown             = &DeviceError{Code: "slow_down"}
	ErrExpiredToken         = &DeviceError{Code: "expired_token"}
	ErrAccessDenied         = &DeviceError{Code: "access_denied"}

	ErrDeviceCodeNotFound = errors.New("device code not found")
)

type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type DeviceTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
}

// DeviceService drives the server half of the device-authorization grant:
// code issuance, the human approval step, and the paced token exchange the
// CLI polls against.
type DeviceService struct {
	Users  *repo.Users
	Ledger *ledger.Ledger
	Issuer *tokens.Issuer
	Audit  audit.Recorder

	// VerifyBaseURL is where a human redeems the user code, e.g.
	// "https://app.kaven.io/activate".
	VerifyBaseURL string
}

func (s *DeviceService) record(ctx context.Context, ev audit.Event) {
	if s.Audit != nil {
		s.Audit.Record(ctx, ev)
	}
}

// RequestCode opens a new device-authorization session.
func (s *DeviceService) RequestCode(ctx context.Context, clientID, scope string) (*DeviceCodeResponse, error) {
	deviceCode, err := randomDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := randomUserCode()
	if err != nil {
		return nil, err
	}

	sess := &ledger.DeviceSession{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Scope:      scope,
		Status:     ledger.DeviceStatusPending,
		Interval:   devicePollInterval,
		ExpiresAt:  time.Now().Add(deviceCodeTTL).Unix(),
	}
	if err := s.Ledger.StoreDeviceSession(ctx, sess, deviceCodeTTL); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("device_code_issued", "client_id", clientID)
	s.record(ctx, audit.Event{Type: audit.EventDeviceCode, Success: true, Reason: clientID})

	return &DeviceCodeResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         s.VerifyBaseURL,
		VerificationURIComplete: s.VerifyBaseURL + "?user_code=" + userCode,
		ExpiresIn:               int(deviceCodeTTL / time.Second),
		Interval:                devicePollInterval,
	}, nil
}

// Approve binds the user code to the approving principal. Called from an
// authenticated browser session.
func (s *DeviceService) Approve(ctx context.Context, userCode, userID string) error {
	return s.decide(ctx, userCode, userID, ledger.DeviceStatusApproved)
}

func (s *DeviceService) Deny(ctx context.Context, userCode, userID string) error {
	return s.decide(ctx, userCode, userID, ledger.DeviceStatusDenied)
}

func (s *DeviceService) decide(ctx context.Context, userCode, userID, status string) error {
	sess, err := s.Ledger.DeviceSessionByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if sess == nil || time.Now().Unix() > sess.ExpiresAt || sess.Status != ledger.DeviceStatusPending {
		return ErrDeviceCodeNotFound
	}

	sess.Status = status
	sess.UserID = userID
	if err := s.Ledger.UpdateDeviceSession(ctx, sess); err != nil {
		return err
	}

	s.record(ctx, audit.Event{Type: audit.EventDeviceDecision, UserID: userID, Success: status == ledger.DeviceStatusApproved, Reason: status})
	return nil
}

// Exchange is the polled token endpoint. It enforces the advertised interval
// before looking at session state, so an over-eager client sees slow_down
// even when its authorization is already settled.
func (s *DeviceService) Exchange(ctx context.Context, deviceCode string) (*DeviceTokenResponse, error) {
	sess, err := s.Ledger.GetDeviceSession(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrExpiredToken
	}
	if time.Now().Unix() > sess.ExpiresAt {
		_, _ = s.Ledger.ClaimDeviceSession(ctx, deviceCode)
		return nil, ErrExpiredToken
	}

	allowed, err := s.Ledger.DevicePollAllowed(ctx, deviceCode, time.Duration(sess.Interval)*time.Second)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrSlowDown
	}

	switch sess.Status {
	case ledger.DeviceStatusPending:
		return nil, ErrAuthorizationPending
	case ledger.DeviceStatusDenied:
		_, _ = s.Ledger.ClaimDeviceSession(ctx, deviceCode)
		s.record(ctx, audit.Event{Type: audit.EventDeviceExchange, UserID: sess.UserID, Success: false, Reason: "access_denied"})
		return nil, ErrAccessDenied
	case ledger.DeviceStatusApproved:
		// Claim first: an approved code is exchangeable at most once, even
		// under concurrent polls.
		claimed, err := s.Ledger.ClaimDeviceSession(ctx, deviceCode)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			return nil, ErrExpiredToken
		}
		return s.issueForDevice(ctx, claimed)
	default:
		return nil, fmt.Errorf("device session in unknown state %q", sess.Status)
	}
}

func (s *DeviceService) issueForDevice(ctx context.Context, sess *ledger.DeviceSession) (*DeviceTokenResponse, error) {
	user, err := s.Users.ByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	pair, err := s.Issuer.Issue(user)
	if err != nil {
		return nil, err
	}
	if err := s.Ledger.StoreRefresh(ctx, user.ID, pair.RefreshToken, tokens.RefreshTokenTTL); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("device_exchange_successful", "user_id", user.ID)
	s.record(ctx, audit.Event{Type: audit.EventDeviceExchange, UserID: user.ID, TenantID: user.TenantID, Success: true})

	return &DeviceTokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int(tokens.AccessTokenTTL / time.Second),
		TokenType:    "Bearer",
		Scope:        sess.Scope,
	}, nil
}

func randomDeviceCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			code = append(code, '-')
		}
		code = append(code, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
	}
	return string(code), nil
}
