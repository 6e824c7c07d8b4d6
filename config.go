package xbridge

import "fmt"

// Console is one registered device in the config document, keyed by its
// Live ID.
type Console struct {
	LiveID  string `json:"liveid"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Config is the persisted integration state: application credentials, the
// current token set, and the console registry. Older documents carried a
// single top-level "liveid" instead of the registry; that form is still
// readable and is migrated to the keyed form on the first write.
type Config struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Tokens       *TokenSet `json:"tokens,omitempty"`
	ConsoleList  []Console `json:"consoles"`

	// LegacyLiveID is the pre-registry single-console field.
	LegacyLiveID string `json:"liveid,omitempty"`
}

// Configured reports whether the document holds everything needed to bind a
// session: credentials, a usable token set, and at least one console.
func (c *Config) Configured() bool {
	return c.ClientID != "" &&
		c.Tokens != nil && c.Tokens.Valid() &&
		(len(c.ConsoleList) > 0 || c.LegacyLiveID != "")
}

// Consoles returns the registry, synthesizing an entry for a legacy
// single-console document without mutating it.
func (c *Config) Consoles() []Console {
	if len(c.ConsoleList) == 0 && c.LegacyLiveID != "" {
		return []Console{{LiveID: c.LegacyLiveID, Name: "Xbox Console", Enabled: true}}
	}
	return c.ConsoleList
}

func (c *Config) Console(liveID string) (Console, bool) {
	for _, console := range c.Consoles() {
		if console.LiveID == liveID {
			return console, true
		}
	}
	return Console{}, false
}

// AddConsole registers or updates a console. A legacy document is migrated
// first so the old entry is keyed rather than duplicated.
func (c *Config) AddConsole(liveID, name string, enabled bool) {
	c.migrateLegacy()
	if name == "" {
		name = "Xbox Console"
	}
	for i := range c.ConsoleList {
		if c.ConsoleList[i].LiveID == liveID {
			c.ConsoleList[i].Name = name
			c.ConsoleList[i].Enabled = enabled
			return
		}
	}
	c.ConsoleList = append(c.ConsoleList, Console{LiveID: liveID, Name: name, Enabled: enabled})
}

func (c *Config) RemoveConsole(liveID string) bool {
	c.migrateLegacy()
	for i := range c.ConsoleList {
		if c.ConsoleList[i].LiveID == liveID {
			c.ConsoleList = append(c.ConsoleList[:i], c.ConsoleList[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Config) migrateLegacy() {
	if c.LegacyLiveID == "" {
		return
	}
	liveID := c.LegacyLiveID
	c.LegacyLiveID = ""
	if _, ok := c.Console(liveID); ok {
		return
	}
	c.ConsoleList = append(c.ConsoleList, Console{LiveID: liveID, Name: "Xbox Console", Enabled: true})
}

// Credentials identifies the OAuth application the bridge acts as.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Confidential reports whether the application registration carries a secret.
// Public clients omit it from every token-endpoint request.
func (c Credentials) Confidential() bool {
	return c.ClientSecret != ""
}

func (c Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id", ErrInvalidInput)
	}
	return nil
}

func (c *Config) Credentials(redirectURL string) Credentials {
	return Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURL,
	}
}
