// Package builtin provides the tools shipped with gopherchat.
package builtin

import "github.com/user/gopherchat/internal/tools"

// Credential keys accepted by Register's factories, as used in
// Registry.SetCredentials.
const (
	CredentialWeather   = "weather"
	CredentialWebSearch = "web_search"
)

// Register adds every built-in tool to r. Network tools that need an API
// key are registered as factories so the key is bound at lookup time.
func Register(r *tools.Registry) {
	r.Register(NewCalculator())
	r.Register(NewReadURL())
	r.RegisterFactory(CredentialWeather, true, func(key string) tools.Tool { return NewWeather(key) })
	r.RegisterFactory(CredentialWebSearch, true, func(key string) tools.Tool { return NewWebSearch(key) })
}
