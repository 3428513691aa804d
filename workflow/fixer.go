package workflow

import "strings"

// RepairText makes possibly-truncated streaming markup well-formed. It
// runs a single stack-based scan that:
//   - closes unterminated elements in LIFO order,
//   - completes dangling attribute assignments (`name=` -> `name=""`),
//   - quotes bare attribute values and terminates open quotes,
//   - escapes unpaired '&' and stray '<' in character data.
//
// Stray closing tags with no matching open element are dropped.
func RepairText(input string) string {
	var out strings.Builder
	out.Grow(len(input) + 16)

	var stack []string
	var tag strings.Builder
	inTag := false
	var quote byte

	for i := 0; i < len(input); i++ {
		c := input[i]

		if inTag {
			if quote != 0 {
				tag.WriteByte(c)
				if c == quote {
					quote = 0
				}
				continue
			}
			switch c {
			case '"', '\'':
				quote = c
				tag.WriteByte(c)
			case '>':
				emitTag(&out, tag.String(), &stack)
				tag.Reset()
				inTag = false
			case '<':
				// A new tag opened before the current one closed;
				// finish the current tag first and reprocess.
				emitTag(&out, tag.String(), &stack)
				tag.Reset()
				i--
				inTag = false
			default:
				tag.WriteByte(c)
			}
			continue
		}

		switch c {
		case '<':
			switch {
			case strings.HasPrefix(input[i:], "<!--"):
				// Comment: copy through, or drop a truncated one.
				if end := strings.Index(input[i:], "-->"); end >= 0 {
					out.WriteString(input[i : i+end+3])
					i += end + 2
				} else {
					i = len(input)
				}
			case i+1 < len(input) && (isNameByte(input[i+1]) || input[i+1] == '/'):
				inTag = true
				tag.Reset()
			case i+1 == len(input):
				// Dangling '<' at the end of the stream.
			default:
				out.WriteString("&lt;")
			}
		case '&':
			if isEntityStart(input[i:]) {
				out.WriteByte(c)
			} else {
				out.WriteString("&amp;")
			}
		default:
			out.WriteByte(c)
		}
	}

	if inTag {
		content := tag.String()
		if quote != 0 {
			content += string(quote)
		}
		emitTag(&out, content, &stack)
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out.WriteString("</")
		out.WriteString(stack[i])
		out.WriteString(">")
	}

	return out.String()
}

// emitTag normalizes one tag's raw content (without the angle brackets)
// and writes it out, maintaining the open-element stack.
func emitTag(out *strings.Builder, content string, stack *[]string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	if strings.HasPrefix(content, "/") {
		name := strings.TrimSpace(content[1:])
		closeTo := -1
		for i := len(*stack) - 1; i >= 0; i-- {
			if (*stack)[i] == name {
				closeTo = i
				break
			}
		}
		if closeTo < 0 {
			// Stray closer, no matching open element.
			return
		}
		for i := len(*stack) - 1; i >= closeTo; i-- {
			out.WriteString("</")
			out.WriteString((*stack)[i])
			out.WriteString(">")
		}
		*stack = (*stack)[:closeTo]
		return
	}

	selfClosing := strings.HasSuffix(content, "/")
	if selfClosing {
		content = strings.TrimSpace(content[:len(content)-1])
	}

	name, attrs := splitTagName(content)
	if name == "" {
		return
	}

	out.WriteString("<")
	out.WriteString(name)
	writeNormalizedAttrs(out, attrs)
	if selfClosing {
		out.WriteString("/>")
		return
	}
	out.WriteString(">")
	*stack = append(*stack, name)
}

// splitTagName separates the element name from its attribute text.
func splitTagName(content string) (string, string) {
	for i := 0; i < len(content); i++ {
		if content[i] == ' ' || content[i] == '\t' || content[i] == '\n' || content[i] == '\r' {
			return content[:i], content[i+1:]
		}
	}
	return content, ""
}

// writeNormalizedAttrs re-emits attributes in canonical `key="value"`
// form: bare values are quoted, missing values become empty strings, and
// markup-significant characters inside values are escaped.
func writeNormalizedAttrs(out *strings.Builder, attrs string) {
	i := 0
	for i < len(attrs) {
		for i < len(attrs) && isSpaceByte(attrs[i]) {
			i++
		}
		if i >= len(attrs) {
			return
		}

		start := i
		for i < len(attrs) && attrs[i] != '=' && !isSpaceByte(attrs[i]) {
			i++
		}
		key := attrs[start:i]
		if key == "" {
			i++
			continue
		}

		for i < len(attrs) && isSpaceByte(attrs[i]) {
			i++
		}

		value := ""
		if i < len(attrs) && attrs[i] == '=' {
			i++
			for i < len(attrs) && isSpaceByte(attrs[i]) {
				i++
			}
			if i < len(attrs) {
				if q := attrs[i]; q == '"' || q == '\'' {
					i++
					vstart := i
					for i < len(attrs) && attrs[i] != q {
						i++
					}
					value = attrs[vstart:i]
					if i < len(attrs) {
						i++
					}
				} else {
					vstart := i
					for i < len(attrs) && !isSpaceByte(attrs[i]) {
						i++
					}
					value = attrs[vstart:i]
				}
			}
		}

		out.WriteString(" ")
		out.WriteString(key)
		out.WriteString(`="`)
		writeEscapedValue(out, value)
		out.WriteString(`"`)
	}
}

// writeEscapedValue escapes markup-significant characters in an
// attribute value without double-escaping existing entities.
func writeEscapedValue(out *strings.Builder, value string) {
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '&':
			if isEntityStart(value[i:]) {
				out.WriteByte('&')
			} else {
				out.WriteString("&amp;")
			}
		case '<':
			out.WriteString("&lt;")
		case '"':
			out.WriteString("&quot;")
		default:
			out.WriteByte(value[i])
		}
	}
}

// isEntityStart reports whether s begins with a well-formed character
// entity such as &amp; &#38; or &#x26;.
func isEntityStart(s string) bool {
	if len(s) < 3 || s[0] != '&' {
		return false
	}
	i := 1
	if s[i] == '#' {
		i++
		if i < len(s) && (s[i] == 'x' || s[i] == 'X') {
			i++
		}
		start := i
		for i < len(s) && i-start < 8 && isHexByte(s[i]) {
			i++
		}
		return i > start && i < len(s) && s[i] == ';'
	}
	start := i
	for i < len(s) && i-start < 10 && isAlphaByte(s[i]) {
		i++
	}
	return i > start && i < len(s) && s[i] == ';'
}

func isNameByte(c byte) bool {
	return isAlphaByte(c) || c == '_'
}

func isAlphaByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isHexByte(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
