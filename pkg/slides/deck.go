package slides

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var (
	// ErrEmptyDeck is returned for a deck without slides. Advancing an empty
	// deck is undefined, so it is rejected at construction.
	ErrEmptyDeck = errors.New("slide deck is empty")
	// ErrInvalidSlide is returned for a slide without a source reference.
	ErrInvalidSlide = errors.New("invalid slide")
)

// Slide is the static descriptor of one slide.
type Slide struct {
	Title   string `toml:"title" json:"title"`
	Source  string `toml:"source" json:"source"`
	Content string `toml:"content,omitempty" json:"content,omitempty"`
}

// Deck is an ordered, immutable list of slides.
type Deck struct {
	Name   string  `toml:"name" json:"name"`
	Slides []Slide `toml:"slide" json:"slides"`
}

// Len returns the number of slides.
func (d Deck) Len() int {
	return len(d.Slides)
}

// Validate rejects empty decks and slides without a source.
func (d Deck) Validate() error {
	if len(d.Slides) == 0 {
		return ErrEmptyDeck
	}
	for i, s := range d.Slides {
		if strings.TrimSpace(s.Source) == "" {
			return fmt.Errorf("%w: slide %d has no source", ErrInvalidSlide, i)
		}
	}
	return nil
}

// ParseDeck decodes and validates a TOML deck:
//
//	name = "kickoff"
//
//	[[slide]]
//	title = "Welcome"
//	source = "https://example.org/deck/1.png"
func ParseDeck(data []byte) (Deck, error) {
	var d Deck
	if err := toml.Unmarshal(data, &d); err != nil {
		return Deck{}, fmt.Errorf("decode deck: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Deck{}, err
	}
	return d, nil
}

// LoadDeck reads a deck file.
func LoadDeck(path string) (Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Deck{}, fmt.Errorf("read deck: %w", err)
	}
	d, err := ParseDeck(data)
	if err != nil {
		return Deck{}, fmt.Errorf("deck %s: %w", path, err)
	}
	return d, nil
}

// FromSources builds a deck from bare source references.
func FromSources(name string, sources ...string) Deck {
	d := Deck{Name: name, Slides: make([]Slide, len(sources))}
	for i, src := range sources {
		d.Slides[i] = Slide{Title: fmt.Sprintf("Slide %d", i+1), Source: src}
	}
	return d
}
