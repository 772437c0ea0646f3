package mary

import (
	"errors"
	"strings"
	"testing"
)

func TestCompressSpaces(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"a":               "a",
		"a  b":            "a b",
		"a b   c   ":      "a b c",
		"   a":            " a",
		"' h E  -   l oU": "' h E - l oU",
	}
	for in, want := range cases {
		if got := compressSpaces(in); got != want {
			t.Fatalf("compressSpaces(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParsePhonemesNestedOrder(t *testing.T) {
	doc := `<maryxml><p><s>
<t ph="' h E"><syl ph="x"/></t>
<t ph="  - l   oU  "></t>
<mtu><t ph="w r= l d"/></mtu>
</s></p></maryxml>`
	got, err := parsePhonemes([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "x ' h E - l oU w r= l d"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParsePhonemesLeadingMarkers(t *testing.T) {
	cases := []struct {
		doc  string
		want string
	}{
		{`<t ph=" ' ? h a"/>`, "' h a"},
		{`<t ph=" ? h a"/>`, " h a"},
		{`<t ph="   h a"/>`, "h a"},
		{`<maryxml/>`, ""},
	}
	for _, tc := range cases {
		got, err := parsePhonemes([]byte(tc.doc))
		if err != nil {
			t.Fatalf("parse %s: %v", tc.doc, err)
		}
		if strings.HasPrefix(got, " ") || strings.Contains(got, "  ") {
			t.Fatalf("parse %s produced badly spaced %q", tc.doc, got)
		}
		if got != strings.TrimPrefix(tc.want, " ") {
			t.Fatalf("parse %s = %q, want %q", tc.doc, got, tc.want)
		}
	}
}

func TestParsePhonemesNeverDoubleSpaces(t *testing.T) {
	words := []string{"a", " a ", "a   b", "  ", "' ' '", "ü  ß  ø", " x  y"}
	for _, w := range words {
		doc := `<s><t ph="` + w + `"/><t ph="` + w + `"/></s>`
		got, err := parsePhonemes([]byte(doc))
		if err != nil {
			t.Fatalf("parse %q: %v", w, err)
		}
		if strings.HasPrefix(got, " ") || strings.Contains(got, "  ") {
			t.Fatalf("input %q produced %q", w, got)
		}
	}
}

func TestParsePhonemesEmptyBody(t *testing.T) {
	_, err := parsePhonemes(nil)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestParsePhonemesRejectsTrailingContent(t *testing.T) {
	for _, doc := range []string{
		`<t ph="h a"/><t ph="x"/>`,
		`<t ph="h a"/>not xml at all <<<`,
	} {
		_, err := parsePhonemes([]byte(doc))
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("parse %q: expected ProtocolError, got %v", doc, err)
		}
	}

	doc := "<?xml version=\"1.0\"?>\n<t ph=\"h a\"/>\n<!-- served by mary -->\n"
	got, err := parsePhonemes([]byte(doc))
	if err != nil {
		t.Fatalf("trailing comment must be accepted: %v", err)
	}
	if got != "h a" {
		t.Fatalf("got %q, want %q", got, "h a")
	}
}

func TestMaryXMLEscapesAttributes(t *testing.T) {
	got := MaryXML("en_US", `a"b<c&`)
	if !strings.Contains(got, `xml:lang="en"`) {
		t.Fatalf("expected two letter language in %s", got)
	}
	if !strings.Contains(got, `ph="a&quot;b&lt;c&amp;"`) {
		t.Fatalf("expected escaped phonemes in %s", got)
	}
	if !strings.Contains(MaryXML("de", "' a"), `ph="' a"`) {
		t.Fatalf("apostrophes must stay verbatim")
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":         FormatText,
		"text":     FormatText,
		"txt":      FormatText,
		"PHONEMES": FormatPhonemes,
		"xs":       FormatPhonemes,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("ssml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestParseVoicesSkipsBlankLines(t *testing.T) {
	voices := parseVoices("a en_US female hmm\r\n\nb de male unitselection\n")
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %v", voices)
	}
	if voices[0].Kind() != "hmm" || voices[1].Name() != "b" {
		t.Fatalf("unexpected voices %v", voices)
	}
	if (Voice{}).Name() != "" {
		t.Fatalf("empty voice must have empty fields")
	}
}
