package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRequiresTextServerPath(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
models:
  - id: coder
    kind: local_text
    file: /models/coder.gguf
    port: 8081
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsLegacyModelsKey(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
text_server_path: /usr/local/bin/llama-server
llama-models:
  - id: coder
    kind: local_text
    file: /models/coder.gguf
    port: 8081
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Models, 1)
	require.Equal(t, "coder", cfg.Models[0].ID)
}

func TestLoadRejectsDuplicatePorts(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
text_server_path: /usr/local/bin/llama-server
models:
  - id: a
    kind: local_text
    file: /models/a.gguf
    port: 8081
  - id: b
    kind: local_text
    file: /models/b.gguf
    port: 8081
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestCategoryBindingScalarForm(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
text_server_path: /usr/local/bin/llama-server
models:
  - id: coder
    kind: local_text
    file: /models/coder.gguf
    port: 8081
categories:
  code: coder
  vision:
    model_id: coder
    system_prompt: "Describe the image."
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "coder", cfg.Categories["code"].ModelID)
	require.Equal(t, "coder", cfg.Categories["vision"].ModelID)
	require.Equal(t, "Describe the image.", cfg.Categories["vision"].SystemPrompt)
}

func TestResolvedSystemPromptFromPath(t *testing.T) {
	promptPath := writeTemp(t, "prompt.txt", "You are a coder.")
	d := ModelDescriptor{SystemPromptPath: promptPath}
	text, err := d.ResolvedSystemPrompt()
	require.NoError(t, err)
	require.Equal(t, "You are a coder.", text)
}

func TestLocalPortsIncludesRouter(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
text_server_path: /usr/local/bin/llama-server
models:
  - id: coder
    kind: local_text
    file: /models/coder.gguf
    port: 8081
  - id: remote
    kind: remote_http
    endpoint: https://api.example.com/v1/chat/completions
router:
  model_id: classifier
  port: 3001
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{8081, 3001}, cfg.LocalPorts())
}
