package tts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Voice is one entry of the voice menu offered to users.
type Voice struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Locale string `yaml:"locale" json:"locale"`
	Gender string `yaml:"gender" json:"gender"`
}

// DefaultVoices is the built-in voice menu.
var DefaultVoices = []Voice{
	{ID: "en-US-AriaNeural", Label: "English (US) - Aria (Female)", Locale: "en-US", Gender: "Female"},
	{ID: "en-US-GuyNeural", Label: "English (US) - Guy (Male)", Locale: "en-US", Gender: "Male"},
	{ID: "en-US-JennyNeural", Label: "English (US) - Jenny (Female)", Locale: "en-US", Gender: "Female"},
	{ID: "en-GB-LibbyNeural", Label: "English (UK) - Libby (Female)", Locale: "en-GB", Gender: "Female"},
	{ID: "en-GB-RyanNeural", Label: "English (UK) - Ryan (Male)", Locale: "en-GB", Gender: "Male"},
	{ID: "en-AU-NatashaNeural", Label: "English (Australia) - Natasha (Female)", Locale: "en-AU", Gender: "Female"},
	{ID: "en-AU-WilliamNeural", Label: "English (Australia) - William (Male)", Locale: "en-AU", Gender: "Male"},
}

// Catalog is the enumerated set of voices a request may select.
type Catalog struct {
	voices       []Voice
	byID         map[string]Voice
	defaultVoice string
}

// NewCatalog builds a catalog. defaultVoice must be one of voices; when empty
// the first voice is the default.
func NewCatalog(voices []Voice, defaultVoice string) (*Catalog, error) {
	if len(voices) == 0 {
		return nil, fmt.Errorf("voice catalog is empty")
	}
	list := make([]Voice, 0, len(voices))
	byID := make(map[string]Voice, len(voices))
	for _, v := range voices {
		if v.ID == "" {
			return nil, fmt.Errorf("voice catalog entry %q has no id", v.Label)
		}
		if v.Label == "" {
			v.Label = v.ID
		}
		list = append(list, v)
		byID[v.ID] = v
	}
	if defaultVoice == "" {
		defaultVoice = voices[0].ID
	}
	if _, ok := byID[defaultVoice]; !ok {
		return nil, fmt.Errorf("default voice %q is not in the catalog", defaultVoice)
	}
	return &Catalog{
		voices:       list,
		byID:         byID,
		defaultVoice: defaultVoice,
	}, nil
}

// LoadCatalog reads a YAML voice list from path, or returns the built-in menu
// when path is empty.
//
//	voices:
//	  - id: en-US-AriaNeural
//	    label: English (US) - Aria (Female)
func LoadCatalog(path, defaultVoice string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(DefaultVoices, defaultVoice)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading voice catalog: %w", err)
	}
	var doc struct {
		Voices []Voice `yaml:"voices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing voice catalog: %w", err)
	}
	return NewCatalog(doc.Voices, defaultVoice)
}

// Voices returns the menu in display order.
func (c *Catalog) Voices() []Voice {
	return append([]Voice(nil), c.voices...)
}

// Default returns the identifier used when a request names no voice.
func (c *Catalog) Default() string { return c.defaultVoice }

// Lookup resolves a voice identifier. An empty id resolves to the default.
func (c *Catalog) Lookup(id string) (Voice, bool) {
	if id == "" {
		id = c.defaultVoice
	}
	v, ok := c.byID[id]
	return v, ok
}
