package codecheck

import (
	"strings"
	"testing"
)

const validScript = `from diagrams import Diagram
from diagrams.aws.compute import EC2

with Diagram("Web Service", show=False, filename="output"):
    EC2("web")
`

func TestValidate_AcceptsDiagramScript(t *testing.T) {
	v := New(Config{})
	verdict := v.Validate(validScript)
	if !verdict.OK {
		t.Fatalf("expected valid script to pass, got %s", verdict)
	}
}

func TestValidate_Oversize(t *testing.T) {
	v := New(Config{MaxLength: 100})
	code := "from diagrams import Diagram\n" + strings.Repeat("#", 100)

	verdict := v.Validate(code)
	if verdict.OK {
		t.Fatal("expected oversize script to be rejected")
	}
	if verdict.Reason != ReasonOversize {
		t.Errorf("reason = %q, want %q", verdict.Reason, ReasonOversize)
	}
}

func TestValidate_OversizeCheckedFirst(t *testing.T) {
	v := New(Config{MaxLength: 10})
	verdict := v.Validate("import os\nos.system('ls')")
	if verdict.Reason != ReasonOversize {
		t.Errorf("reason = %q, want %q", verdict.Reason, ReasonOversize)
	}
}

func TestValidate_ExactlyAtLimit(t *testing.T) {
	code := "from diagrams import Diagram"
	v := New(Config{MaxLength: len(code)})
	if verdict := v.Validate(code); !verdict.OK {
		t.Errorf("script at limit rejected: %s", verdict)
	}
}

func TestValidate_ForbiddenConstructs(t *testing.T) {
	v := New(Config{})

	for _, pattern := range DefaultDenylist {
		t.Run(pattern, func(t *testing.T) {
			code := validScript + "\n" + pattern + "x)\n"
			verdict := v.Validate(code)
			if verdict.OK {
				t.Fatalf("expected %q to be rejected", pattern)
			}
			if verdict.Reason != ReasonForbidden {
				t.Errorf("reason = %q, want %q", verdict.Reason, ReasonForbidden)
			}
		})
	}
}

func TestValidate_ForbiddenIsCaseInsensitive(t *testing.T) {
	v := New(Config{})
	tests := []string{
		"IMPORT OS",
		"From SubProcess import run",
		"EVAL('1')",
		"GetAttr(x, 'y')",
	}
	for _, snippet := range tests {
		verdict := v.Validate(validScript + snippet)
		if verdict.Reason != ReasonForbidden {
			t.Errorf("%q: reason = %q, want %q", snippet, verdict.Reason, ReasonForbidden)
		}
	}
}

func TestValidate_OSSystemScenario(t *testing.T) {
	v := New(Config{})
	verdict := v.Validate("import os\nos.system('ls')")
	if verdict.OK {
		t.Fatal("expected rejection")
	}
	if verdict.Reason != ReasonForbidden {
		t.Errorf("reason = %q, want %q", verdict.Reason, ReasonForbidden)
	}
	if !strings.Contains(verdict.Detail, "import os") {
		t.Errorf("detail %q does not name the construct", verdict.Detail)
	}
}

func TestValidate_MissingImport(t *testing.T) {
	v := New(Config{})
	verdict := v.Validate("print('hello')\n")
	if verdict.OK {
		t.Fatal("expected rejection")
	}
	if verdict.Reason != ReasonMissingImport {
		t.Errorf("reason = %q, want %q", verdict.Reason, ReasonMissingImport)
	}
}

func TestValidate_ImportDiagramsForm(t *testing.T) {
	v := New(Config{})
	if verdict := v.Validate("import diagrams\n"); !verdict.OK {
		t.Errorf("expected 'import diagrams' to satisfy the import check, got %s", verdict)
	}
}

func TestValidate_ExtraDenylist(t *testing.T) {
	v := New(Config{ExtraDenylist: []string{"  Socket  "}})
	verdict := v.Validate(validScript + "import socket\n")
	if verdict.Reason != ReasonForbidden {
		t.Errorf("reason = %q, want %q", verdict.Reason, ReasonForbidden)
	}
	// Defaults still apply.
	if verdict := v.Validate(validScript + "eval('1')"); verdict.Reason != ReasonForbidden {
		t.Errorf("default denylist not applied: %s", verdict)
	}
}

func TestVerdictString(t *testing.T) {
	if got := (Verdict{OK: true}).String(); got != "ok" {
		t.Errorf("String() = %q, want ok", got)
	}
	got := Verdict{Reason: ReasonOversize, Detail: "too long"}.String()
	if got != "oversize: too long" {
		t.Errorf("String() = %q", got)
	}
}
