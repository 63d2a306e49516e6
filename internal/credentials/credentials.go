// Package credentials provides bearer tokens for authenticated data mirrors,
// one per state, from the OS keyring with fallback to environment variables.
package credentials

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"schooldata/internal/utils"
)

// ServiceName is the keyring service under which tokens are stored.
const ServiceName = "schooldata"

// Source indicates where a token was retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// TokenInfo describes a token lookup.
type TokenInfo struct {
	State  string
	Source Source
	Token  string
	Found  bool
}

// JSON serializes the token info (token excluded)
func (i *TokenInfo) JSON() ([]byte, error) {
	return json.Marshal(struct {
		State  string `json:"state"`
		Source string `json:"source"`
		Found  bool   `json:"found"`
	}{
		State:  i.State,
		Source: string(i.Source),
		Found:  i.Found,
	})
}

// Manager handles token operations
type Manager struct {
	keyring Keyring
	getenv  func(string) string
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a new credential manager backed by the system keyring
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: SystemKeyring{},
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// normalizeState normalizes state codes to upper case
func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

// EnvVar returns the environment variable consulted for a state's token.
func EnvVar(state string) string {
	return fmt.Sprintf("SCHOOLDATA_%s_TOKEN", normalizeState(state))
}

// Set stores a token in the keyring
func (m *Manager) Set(state, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("token must not be empty")
	}
	return m.keyring.Set(ServiceName, normalizeState(state), token)
}

// Get retrieves a token (keyring first, then environment)
func (m *Manager) Get(state string) *TokenInfo {
	state = normalizeState(state)

	token, err := m.keyring.Get(ServiceName, state)
	if err == nil && token != "" {
		return &TokenInfo{State: state, Source: SourceKeyring, Token: token, Found: true}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		utils.Debugf("keyring unavailable for %s: %v", state, err)
	}

	if token := m.getenv(EnvVar(state)); token != "" {
		return &TokenInfo{State: state, Source: SourceEnvironment, Token: token, Found: true}
	}

	return &TokenInfo{State: state, Source: SourceNone}
}

// Token returns the token for state or "". It matches fetch.TokenFunc.
func (m *Manager) Token(state string) string {
	return m.Get(state).Token
}

// Delete removes a token from the keyring. Deleting a missing token is not an error.
func (m *Manager) Delete(state string) error {
	err := m.keyring.Delete(ServiceName, normalizeState(state))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PromptToken asks for a token. Input is hidden when reader is a terminal.
func PromptToken(reader io.Reader, writer io.Writer, state string) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter mirror token for %s: ", normalizeState(state))

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
