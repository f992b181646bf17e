package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gembiz/gateway/internal/pool"
)

// AccountEntry is one account record in the accounts YAML file.
type AccountEntry struct {
	ID         string `yaml:"id"`
	SecureCSes string `yaml:"secure_c_ses"`
	CSesIdx    string `yaml:"csesidx"`
	HostCOSes  string `yaml:"host_c_oses"`
	ConfigID   string `yaml:"config_id"`
	ExpiresAt  string `yaml:"expires_at"`
	Disabled   bool   `yaml:"disabled"`
}

// accountsFile is the top-level shape of the accounts YAML file.
type accountsFile struct {
	Accounts []AccountEntry `yaml:"accounts"`
}

// LoadAccounts reads and validates the accounts file, returning pool
// accounts with the given retry policy applied.
func LoadAccounts(path string, policy *pool.RetryPolicy) ([]*pool.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if len(file.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s defines no accounts", path)
	}

	accounts := make([]*pool.Account, 0, len(file.Accounts))
	seen := make(map[string]bool, len(file.Accounts))
	for i, entry := range file.Accounts {
		if entry.ID == "" {
			return nil, fmt.Errorf("account %d has no id", i)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("duplicate account id %q", entry.ID)
		}
		seen[entry.ID] = true
		if entry.SecureCSes == "" || entry.CSesIdx == "" {
			return nil, fmt.Errorf("account %q is missing credentials", entry.ID)
		}
		if entry.ConfigID == "" {
			return nil, fmt.Errorf("account %q has no config_id", entry.ID)
		}

		expiresAt, err := parseExpiry(entry.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", entry.ID, err)
		}

		acct := pool.NewAccount(pool.AccountOptions{
			ID:       entry.ID,
			ConfigID: entry.ConfigID,
			Creds: pool.Credentials{
				SecureCSes: entry.SecureCSes,
				CSesIdx:    entry.CSesIdx,
				HostCOSes:  entry.HostCOSes,
			},
			ExpiresAt: expiresAt,
			Disabled:  entry.Disabled,
			Policy:    policy,
		})
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// parseExpiry accepts RFC 3339 timestamps or plain dates. An empty
// value means the account never expires.
func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid expires_at %q", s)
}

// RetryPolicy builds the retry policy from the configured knobs.
func (c *Config) RetryPolicy() *pool.RetryPolicy {
	return &pool.RetryPolicy{
		FailureThreshold:      c.FailureThreshold,
		TextCooldown:          c.TextCooldown,
		ImagesCooldown:        c.ImagesCooldown,
		VideosCooldown:        c.VideosCooldown,
		MaxNewSessionTries:    c.MaxNewSessionTries,
		MaxRequestRetries:     c.MaxRequestRetries,
		MaxAccountSwitchTries: c.MaxAccountSwitchTries,
	}
}
