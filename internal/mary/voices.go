package mary

import "strings"

// Voice is one line of the /voices listing split on spaces, typically
// name, locale, gender and voice type. The server owns the schema.
type Voice []string

func (v Voice) field(i int) string {
	if i < len(v) {
		return v[i]
	}
	return ""
}

func (v Voice) Name() string   { return v.field(0) }
func (v Voice) Locale() string { return v.field(1) }
func (v Voice) Gender() string { return v.field(2) }
func (v Voice) Kind() string   { return v.field(3) }

func parseVoices(body string) []Voice {
	var voices []Voice
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		voices = append(voices, Voice(strings.Split(line, " ")))
	}
	return voices
}
