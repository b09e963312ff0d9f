package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
	redirectURL     = "urn:ietf:wg:oauth:2.0:oob"
)

// OAuthConfig reads credentials and returns an OAuth2 config with read-write
// calendar scope. It prioritizes the explicit client id and secret over a
// local credentials.json file.
func OAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = redirectURL
	return config, nil
}

// TokenFromWeb exchanges an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenStore keeps one token file per user, named token-<user>.json.
type TokenStore struct {
	Dir string
}

func (s TokenStore) path(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	return filepath.Join(s.Dir, "token-"+userID+".json"), nil
}

// Load reads the stored token for a user.
func (s TokenStore) Load(userID string) (*oauth2.Token, error) {
	path, err := s.path(userID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decoding token for %s: %w", userID, err)
	}
	return tok, nil
}

// Save writes a user's token with owner-only permissions.
func (s TokenStore) Save(userID string, token *oauth2.Token) error {
	path, err := s.path(userID)
	if err != nil {
		return err
	}
	if s.Dir != "" {
		if err := os.MkdirAll(s.Dir, 0o700); err != nil {
			return fmt.Errorf("unable to create token directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Users lists every user with a stored token.
func (s TokenStore) Users() ([]string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var users []string
	for _, file := range files {
		name := file.Name()
		if strings.HasPrefix(name, "token-") && strings.HasSuffix(name, ".json") {
			users = append(users, strings.TrimSuffix(strings.TrimPrefix(name, "token-"), ".json"))
		}
	}
	return users, nil
}

// persistingTokenSource saves the token back to the store whenever the
// underlying source rotates it.
type persistingTokenSource struct {
	mu     sync.Mutex
	base   oauth2.TokenSource
	store  TokenStore
	userID string
	last   string
	logger *slog.Logger
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := s.store.Save(s.userID, tok); err != nil {
			s.logger.Error("Failed to persist refreshed token", "userID", s.userID, "error", err)
		} else {
			s.logger.Debug("Persisted refreshed token", "userID", s.userID)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

// Provider hands out authenticated calendar clients per user.
type Provider struct {
	logger *slog.Logger
	config *oauth2.Config
	tokens TokenStore
}

// NewProvider creates a Provider backed by the given token store.
func NewProvider(logger *slog.Logger, config *oauth2.Config, tokens TokenStore) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{logger: logger, config: config, tokens: tokens}
}

// ClientFor returns a calendar client authenticated as userID. Refreshed
// tokens are written back to the token store.
func (p *Provider) ClientFor(ctx context.Context, userID string) (*CalendarClient, error) {
	token, err := p.tokens.Load(userID)
	if err != nil {
		return nil, fmt.Errorf("could not load token for user %s: %w. Please run the 'auth' command first", userID, err)
	}

	source := &persistingTokenSource{
		base:   p.config.TokenSource(ctx, token),
		store:  p.tokens,
		userID: userID,
		last:   token.AccessToken,
		logger: p.logger,
	}
	return NewClient(ctx, p.logger.With("userID", userID), option.WithHTTPClient(oauth2.NewClient(ctx, source)))
}
