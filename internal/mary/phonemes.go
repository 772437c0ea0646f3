package mary

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// phNode is a generic element of a MaryXML phoneme document.
type phNode struct {
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []phNode   `xml:",any"`
}

var (
	leadingStressMarker = regexp.MustCompile(`^ ' \?`)
	leadingUnknown      = regexp.MustCompile(`^ \?`)
)

func parsePhonemes(body []byte) (string, error) {
	root, err := decodeDocument(body)
	if err != nil {
		return "", &ProtocolError{Op: "g2p", Err: err}
	}
	s := gatherPhonemes(root)
	s = leadingStressMarker.ReplaceAllLiteralString(s, "'")
	s = leadingUnknown.ReplaceAllLiteralString(s, "")
	return strings.TrimPrefix(s, " "), nil
}

// decodeDocument decodes the root element and rejects any element or text
// that follows it. Comments and processing instructions are allowed.
func decodeDocument(body []byte) (phNode, error) {
	var root phNode
	dec := xml.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&root); err != nil {
		return phNode{}, err
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return root, nil
		}
		if err != nil {
			return phNode{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return phNode{}, fmt.Errorf("element <%s> after document element", t.Name.Local)
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return phNode{}, errors.New("text after document element")
			}
		}
	}
}

// gatherPhonemes collects ph attributes depth first, children before the
// node itself, so the phonemes keep document order.
func gatherPhonemes(n phNode) string {
	var b strings.Builder
	for _, child := range n.Children {
		if r := gatherPhonemes(child); r != "" {
			b.WriteString(r)
			b.WriteByte(' ')
		}
	}
	if ph, ok := n.attr("ph"); ok {
		b.WriteString(ph)
		b.WriteByte(' ')
	}
	return compressSpaces(b.String())
}

func (n phNode) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// compressSpaces collapses every run of spaces into one and drops trailing
// spaces. A leading run still yields a single leading space.
func compressSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range s {
		if r == ' ' {
			pending = true
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
