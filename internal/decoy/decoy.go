// Package decoy provides the public-facing screen shown while the gate
// is locked: a harmless article reader that gives no hint a chat client
// is underneath.
package decoy

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed articles.yaml
var defaultArticles []byte

// Article is one entry on the decoy screen.
type Article struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// Load parses the embedded default article set.
func Load() ([]Article, error) {
	return parse(defaultArticles)
}

// LoadFile parses an article set from a YAML file, for operators who
// want a decoy matching their own cover story.
func LoadFile(path string) ([]Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading articles: %w", err)
	}

	return parse(data)
}

func parse(data []byte) ([]Article, error) {
	var doc struct {
		Articles []Article `yaml:"articles"`
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing articles: %w", err)
	}

	if len(doc.Articles) == 0 {
		return nil, fmt.Errorf("no articles defined")
	}

	return doc.Articles, nil
}

// Render writes the article list as plain text.
func Render(w io.Writer, articles []Article) {
	for i, a := range articles {
		if i > 0 {
			fmt.Fprintln(w)
		}

		fmt.Fprintf(w, "%s\n\n%s\n", a.Title, a.Body)
	}
}
