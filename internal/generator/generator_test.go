package generator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/archdraw/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingProvider struct {
	reply string
	err   error
	last  *llm.Request
}

func (p *recordingProvider) Name() string { return "fake" }

func (p *recordingProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.reply}, nil
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"python fence", "Here:\n```python\nfrom diagrams import Diagram\n```\nDone", "from diagrams import Diagram"},
		{"python fence preferred", "```\nother\n```\n```python\nfrom diagrams import Diagram\n```", "from diagrams import Diagram"},
		{"bare fence", "```\nimport diagrams\n```", "import diagrams"},
		{"bare fence with tag", "```py\nimport diagrams\n```", "import diagrams"},
		{"python3 tag", "```python3\nimport diagrams\n```", "import diagrams"},
		{"no fence", "  from diagrams import Diagram  \n", "from diagrams import Diagram"},
		{"unterminated", "```python\nfrom diagrams import Diagram\n", "from diagrams import Diagram"},
		{"empty fence", "```python\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.content); got != tt.want {
				t.Errorf("ExtractCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateCode_Prompting(t *testing.T) {
	p := &recordingProvider{reply: "```python\nfrom diagrams import Diagram\n```"}
	g := New(p, discardLogger())

	code, err := g.GenerateCode(context.Background(), "web app with a database", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != "from diagrams import Diagram" {
		t.Errorf("code = %q", code)
	}
	if p.last.SystemPrompt != SystemPrompt {
		t.Error("system prompt not sent")
	}
	if p.last.Messages[0].Content != "Create diagram: web app with a database" {
		t.Errorf("user prompt = %q", p.last.Messages[0].Content)
	}
	if p.last.MaxTokens != 2048 || p.last.Temperature != 0.1 {
		t.Errorf("sampling = %d/%v, want 2048/0.1", p.last.MaxTokens, p.last.Temperature)
	}
}

func TestRepairCode_EmbedsErrorAndScript(t *testing.T) {
	p := &recordingProvider{reply: "```python\nfixed\n```"}
	g := New(p, discardLogger())

	fixed, err := g.RepairCode(context.Background(), "broken()", "NameError: Clusterr", "req")
	if err != nil {
		t.Fatal(err)
	}
	if fixed != "fixed" {
		t.Errorf("fixed = %q", fixed)
	}
	prompt := p.last.Messages[0].Content
	for _, want := range []string{"NameError: Clusterr", "broken()", "markdown block"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("repair prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestGeneratorError_FromAPIError(t *testing.T) {
	p := &recordingProvider{err: &llm.APIError{Provider: "gigachat", StatusCode: 401, Body: "unauthorized"}}
	g := New(p, discardLogger())

	_, err := g.RepairCode(context.Background(), "x", "y", "z")
	var ge *GeneratorError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *GeneratorError", err)
	}
	if ge.Provider != "gigachat" || ge.StatusCode != 401 || ge.Body != "unauthorized" {
		t.Errorf("GeneratorError = %+v", ge)
	}
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Error("GeneratorError does not unwrap to the APIError")
	}
}

func TestGeneratorError_EmptyReply(t *testing.T) {
	g := New(&recordingProvider{reply: "   "}, discardLogger())
	_, err := g.GenerateCode(context.Background(), "anything", "u1")
	if !errors.Is(err, ErrNoCode) {
		t.Fatalf("err = %v, want ErrNoCode", err)
	}
}

func TestGeneratorError_Transport(t *testing.T) {
	g := New(&recordingProvider{err: context.DeadlineExceeded}, discardLogger())
	_, err := g.GenerateCode(context.Background(), "anything", "u1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want wrapped deadline", err)
	}
	if !strings.Contains(err.Error(), "fake") {
		t.Errorf("message %q does not name the provider", err.Error())
	}
}

func TestWithSampling(t *testing.T) {
	p := &recordingProvider{reply: "code"}
	g := New(p, discardLogger(), WithSampling(512, 0.5), WithSystemPrompt("custom"))
	if _, err := g.GenerateCode(context.Background(), "x", "u"); err != nil {
		t.Fatal(err)
	}
	if p.last.MaxTokens != 512 || p.last.Temperature != 0.5 || p.last.SystemPrompt != "custom" {
		t.Errorf("request = %+v", p.last)
	}
}
