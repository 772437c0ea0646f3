package mary

import (
	"fmt"
	"strings"
)

// Format selects how Synthesize interprets its input.
type Format string

const (
	FormatText     Format = "text"
	FormatPhonemes Format = "phonemes"
)

// ParseFormat accepts the canonical names and the short legacy aliases
// "txt" and "xs".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return FormatText, nil
	case "phonemes", "xs":
		return FormatPhonemes, nil
	}
	return "", &InvalidArgumentError{Name: "format", Value: s}
}

const maryXMLTemplate = `<maryxml xmlns="http://mary.dfki.de/2002/MaryXML" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" version="0.5" xml:lang="%s"><p><s><t g2p_method="lexicon" ph="%s" pos="NE"></t></s></p></maryxml>`

// Phoneme strings use apostrophes for stress, which are legal inside a double
// quoted attribute and are left untouched.
var attrEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")

// MaryXML builds the document posted as INPUT_TEXT when synthesizing phonemes.
func MaryXML(locale, phonemes string) string {
	lang := Config{Locale: locale}.language()
	return fmt.Sprintf(maryXMLTemplate, attrEscaper.Replace(lang), attrEscaper.Replace(phonemes))
}
