package models

import "fmt"

// Provider identifies a third-party AI vendor.
type Provider string

const (
	ProviderGroq        Provider = "groq"
	ProviderOpenRouter  Provider = "openrouter"
	ProviderDeepSeek    Provider = "deepseek"
	ProviderHuggingFace Provider = "huggingface"
	ProviderGemini      Provider = "gemini"
	ProviderOCRSpace    Provider = "ocrspace"
	ProviderElevenLabs  Provider = "elevenlabs"
)

// KnownProviders lists every vendor the router has built-in support for.
var KnownProviders = []Provider{
	ProviderGroq,
	ProviderOpenRouter,
	ProviderDeepSeek,
	ProviderHuggingFace,
	ProviderGemini,
	ProviderOCRSpace,
	ProviderElevenLabs,
}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	for _, k := range KnownProviders {
		if k == p {
			return true
		}
	}
	return false
}

// Capability is a class of request that can be routed to a provider chain.
type Capability string

const (
	CapabilityChat     Capability = "chat"
	CapabilityVision   Capability = "vision"
	CapabilityOCR      Capability = "ocr"
	CapabilityTTS      Capability = "tts"
	CapabilityImageGen Capability = "image_gen"
)

// Capabilities lists all routable capabilities.
var Capabilities = []Capability{
	CapabilityChat,
	CapabilityVision,
	CapabilityOCR,
	CapabilityTTS,
	CapabilityImageGen,
}

// ParseCapability converts a string to a Capability.
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}
