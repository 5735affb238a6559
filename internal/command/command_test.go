package command

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	cases := map[string][]string{
		`npm run build`:               {"npm", "run", "build"},
		`python3 app.py --name "a b"`: {"python3", "app.py", "--name", "a b"},
		`echo 'x y' z`:                {"echo", "x y", "z"},
		`node server.js\ v2`:          {"node", "server.js v2"},
		`run ""`:                      {"run", ""},
		`   `:                         nil,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("parse %q: got %#v want %#v", in, got, want)
		}
	}
	if _, err := Parse(`echo "unterminated`); err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}

func TestArgsUsesShellForOperators(t *testing.T) {
	got, err := Args("npm install && npm run build")
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	if len(got) != 3 || got[0] != "sh" || got[1] != "-c" {
		t.Fatalf("expected sh -c wrapper, got %v", got)
	}
	if _, err := Args(" "); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestRunStreamsLines(t *testing.T) {
	var lines []string
	err := Run(context.Background(), "printf 'one\\ntwo\\n'", t.TempDir(), nil, func(stream, line string) {
		if stream == "stdout" {
			lines = append(lines, line)
		}
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(lines, ",") != "one,two" {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestRunFailureIncludesTail(t *testing.T) {
	err := Run(context.Background(), "echo broken >&2; exit 3", t.TempDir(), nil, nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected output tail in error, got %v", err)
	}
}
