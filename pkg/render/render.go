// Package render turns resolved message chains into transcripts. The core
// is agnostic to the output format; these are the two renderers the CLI
// ships with.
package render

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/grillo/pkg/chatstore"
)

// Plain renders a chain as "[name]: text" lines.
type Plain struct{}

func (Plain) Render(msgs []*chatstore.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Name, chatstore.ExtractText(msg.Data)))
	}
	return sb.String(), nil
}

// record is the YAML shape of one transcript entry.
type record struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Text string `yaml:"text"`
}

// YAML renders a chain as a YAML sequence of {id, name, type, text} records.
type YAML struct{}

func (YAML) Render(msgs []*chatstore.Message) (string, error) {
	records := make([]record, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, record{
			ID:   msg.ID,
			Name: msg.Name,
			Type: msg.Type,
			Text: chatstore.ExtractText(msg.Data),
		})
	}

	b, err := yaml.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
