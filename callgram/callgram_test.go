package callgram

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseLineWellFormed(t *testing.T) {
	call, ok := ParseLine(`flavors("strawberry", "vanilla_swirl", "caramel")`)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	want := FunctionCall{
		Name: "flavors",
		Args: []Arg{StringArg("strawberry"), StringArg("vanilla_swirl"), StringArg("caramel")},
	}
	if diff := cmp.Diff(want, call); diff != "" {
		t.Fatalf("unexpected call (-want +got):\n%s", diff)
	}
}

func TestParseLineNumeric(t *testing.T) {
	call, ok := ParseLine("price(24.99)")
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if call.Name != "price" {
		t.Fatalf("expected name price, got %q", call.Name)
	}
	if len(call.Args) != 1 || call.Args[0].Kind != ArgNumber || call.Args[0].Num != 24.99 {
		t.Fatalf("unexpected args: %+v", call.Args)
	}
}

func TestParseLineWhitespaceAndTrailingText(t *testing.T) {
	call, ok := ParseLine(`   status("pending")   and then some commentary`)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if call.Name != "status" || len(call.Args) != 1 || call.Args[0].Str != "pending" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestParseLineSkips(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"just some prose from the model",
		"()",
		"f()",
		"f(   )",
		"123abc(1)",
		"f(1",
		"(1, 2)",
	}
	for _, line := range lines {
		if call, ok := ParseLine(line); ok {
			t.Fatalf("expected %q to be skipped, got %+v", line, call)
		}
	}
}

func TestParseLineUnknownNameStillParses(t *testing.T) {
	// The parser does not know the caller's schema.
	call, ok := ParseLine(`totally_new_call("x", 7)`)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if call.Name != "totally_new_call" || len(call.Args) != 2 {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestParseLineRawArguments(t *testing.T) {
	call, ok := ParseLine(`pick(maybe, nested(1), "ok")`)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	want := []Arg{RawArg("maybe"), RawArg("nested(1)"), StringArg("ok")}
	if diff := cmp.Diff(want, call.Args); diff != "" {
		t.Fatalf("unexpected args (-want +got):\n%s", diff)
	}
}

func TestParseInterleavedText(t *testing.T) {
	text := "Here is my suggestion:\n" +
		`flavors("a","b")` + "\n" +
		"I also think the price should be fair.\n" +
		"price(1)\n" +
		`status("x")` + "\n"
	calls := Parse(text)
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "flavors" || calls[1].Name != "price" || calls[2].Name != "status" {
		t.Fatalf("unexpected order: %+v", calls)
	}
}

func TestRoundTrip(t *testing.T) {
	lines := []string{
		`flavors("strawberry", "vanilla_swirl", "caramel")`,
		`price(24.99)`,
		`status("pending")`,
		`mix("a", 2, raw_token)`,
	}
	for _, line := range lines {
		call, ok := ParseLine(line)
		if !ok {
			t.Fatalf("expected %q to parse", line)
		}
		again, ok := ParseLine(call.String())
		if !ok {
			t.Fatalf("expected re-serialized %q to parse", call.String())
		}
		if diff := cmp.Diff(call, again); diff != "" {
			t.Fatalf("round trip mismatch for %q (-first +second):\n%s", line, diff)
		}
	}
}
