package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/chatstore"
)

func chain() []*chatstore.Message {
	return []*chatstore.Message{
		chatstore.NewMessage("c1", "user", "text", chatstore.TextData("hi"), chatstore.WithID("m1")),
		chatstore.NewMessage("c1", "assistant", "text", chatstore.TextData("hello"), chatstore.WithID("m2")),
	}
}

func TestPlainRenderer(t *testing.T) {
	out, err := Plain{}.Render(chain())
	require.NoError(t, err)
	assert.Equal(t, "[user]: hi\n[assistant]: hello\n", out)
}

func TestYAMLRenderer(t *testing.T) {
	out, err := YAML{}.Render(chain())
	require.NoError(t, err)
	assert.Contains(t, out, "id: m1")
	assert.Contains(t, out, "name: assistant")
	assert.Contains(t, out, "text: hello")
}

func TestRenderEmptyChain(t *testing.T) {
	out, err := Plain{}.Render(nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}
