package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	apperrors "cart_sentinel/pkg/errors"
)

// loginFailureMarkers are the known response-body fragments the auth host
// embeds when the submitted identifier/secret pair is rejected.
var loginFailureMarkers = []string{
	"wrong email or password",
	"invalid-credentials",
	"we could not find your account",
}

// Authenticator performs the credential-producing exchanges against the auth
// host: the refresh-token grant and the five-step browser-less PKCE login.
type Authenticator struct {
	cfg     config.UpstreamConfig
	logger  core.ILogger
	timeout time.Duration
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(cfg config.UpstreamConfig, logger core.ILogger) *Authenticator {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Authenticator{
		cfg:     cfg,
		logger:  logger.WithField("component", "authenticator"),
		timeout: timeout,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges a refresh token for a new access token and, when the
// host rotates it, a new refresh token. A rejected refresh token classifies
// as an authentication failure so the caller can fall back to a full login.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*core.Credential, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     a.cfg.ClientID,
		"refresh_token": refreshToken,
	}

	client := &http.Client{Timeout: a.timeout}
	tok, err := a.requestToken(ctx, client, body)
	if err != nil {
		return nil, err
	}

	cred := &core.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ObtainedAt:   time.Now(),
		ExpiresIn:    tok.ExpiresIn,
	}
	if cred.RefreshToken == "" {
		// Host did not rotate the refresh token; keep using the old one.
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

// Login runs the five-step interactive exchange: authorize, fetch the login
// form, submit credentials, follow the resume redirect, exchange the code.
// Any step failing aborts the whole attempt; no partial credential escapes.
func (a *Authenticator) Login(ctx context.Context, identifier, secret string) (*core.Credential, error) {
	pkce, err := newPKCEPair()
	if err != nil {
		return nil, err
	}
	state, err := newStateValue()
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// Redirects are followed manually so each Location can be inspected.
	client := &http.Client{
		Jar:     jar,
		Timeout: a.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Step 1: authorization handshake. Yields session cookies and a redirect
	// to the hosted login form.
	loginURL, err := a.authorize(ctx, client, pkce.Challenge, state)
	if err != nil {
		return nil, err
	}

	// Step 2: fetch the login form with the handshake cookies.
	if err := a.fetchLoginForm(ctx, client, loginURL); err != nil {
		return nil, err
	}

	// Step 3: submit identifier and secret.
	resumeURL, err := a.submitCredentials(ctx, client, loginURL, identifier, secret)
	if err != nil {
		return nil, err
	}

	// Step 4: follow the post-login resume redirect to obtain the code.
	code, err := a.resume(ctx, client, resumeURL, state)
	if err != nil {
		return nil, err
	}

	// Step 5: exchange code plus verifier for the token pair.
	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     a.cfg.ClientID,
		"code":          code,
		"code_verifier": pkce.Verifier,
		"redirect_uri":  a.cfg.RedirectURI,
	}
	tok, err := a.requestToken(ctx, client, body)
	if err != nil {
		return nil, err
	}

	return &core.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ObtainedAt:   time.Now(),
		ExpiresIn:    tok.ExpiresIn,
	}, nil
}

func (a *Authenticator) authorize(ctx context.Context, client *http.Client, challenge, state string) (*url.URL, error) {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("scope", a.cfg.Scope)
	q.Set("audience", a.cfg.Audience)
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	resp, err := a.get(ctx, client, a.cfg.AuthBaseURL+"/authorize?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	loc, err := a.redirectLocation(resp, "authorize")
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func (a *Authenticator) fetchLoginForm(ctx context.Context, client *http.Client, loginURL *url.URL) error {
	resp, err := a.get(ctx, client, loginURL.String())
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login form returned status %d", apperrors.ErrAuthenticationFailed, resp.StatusCode)
	}
	return nil
}

func (a *Authenticator) submitCredentials(ctx context.Context, client *http.Client, loginURL *url.URL, identifier, secret string) (*url.URL, error) {
	form := url.Values{}
	form.Set("username", identifier)
	form.Set("password", secret)
	form.Set("action", "default")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther {
		return a.redirectLocation(resp, "login")
	}

	// Rejected credentials come back as the login page re-rendered with a
	// failure marker in the body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	lower := strings.ToLower(string(body))
	for _, marker := range loginFailureMarkers {
		if strings.Contains(lower, marker) {
			return nil, fmt.Errorf("%w: login rejected", apperrors.ErrInvalidCredentials)
		}
	}
	return nil, fmt.Errorf("%w: unexpected login response status %d", apperrors.ErrMalformedResponse, resp.StatusCode)
}

func (a *Authenticator) resume(ctx context.Context, client *http.Client, resumeURL *url.URL, state string) (string, error) {
	resp, err := a.get(ctx, client, resumeURL.String())
	if err != nil {
		return "", err
	}
	defer drain(resp)

	loc, err := a.redirectLocation(resp, "resume")
	if err != nil {
		return "", err
	}

	q := loc.Query()
	if got := q.Get("state"); got != state {
		return "", fmt.Errorf("%w: state mismatch on callback", apperrors.ErrAuthenticationFailed)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: callback carried no authorization code", apperrors.ErrMalformedResponse)
	}
	return code, nil
}

func (a *Authenticator) requestToken(ctx context.Context, client *http.Client, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthBaseURL+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || tok.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, tok.ErrorDesc)
		}
		return nil, fmt.Errorf("%w: token endpoint status %d", apperrors.ErrNetwork, resp.StatusCode)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", apperrors.ErrMalformedResponse)
	}

	return &tok, nil
}

func (a *Authenticator) get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return resp, nil
}

// redirectLocation extracts and resolves the Location header of a redirect
// response from the named step.
func (a *Authenticator) redirectLocation(resp *http.Response, step string) (*url.URL, error) {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s step returned status %d", apperrors.ErrAuthenticationFailed, step, resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("%w: %s step returned no redirect location", apperrors.ErrMalformedResponse, step)
	}

	parsed, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if !parsed.IsAbs() {
		// Relative Locations resolve against the URL that issued the
		// redirect, so a form hosted off the auth base still works.
		parsed = resp.Request.URL.ResolveReference(parsed)
	}
	return parsed, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
