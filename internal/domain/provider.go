package domain

// Provider is one of the two supported hosted model backends.
type Provider string

// Supported providers.
const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Known reports whether p names a supported backend. A configured default
// provider may be neither; routing fails at dispatch in that case.
func (p Provider) Known() bool {
	return p == ProviderOpenAI || p == ProviderGemini
}
