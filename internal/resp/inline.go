package resp

// SplitInlineArgs splits an inline request line into arguments, honoring
// double quotes with "\xHH" and the usual single-character escapes, and
// single quotes where only "\'" is special. A closing quote must be
// followed by whitespace or the end of the line.
//
// The returned ok is false on unbalanced quotes or a trailing escape.
// Arguments are copies, never aliases of line.
func SplitInlineArgs(line []byte) (args [][]byte, ok bool) {
	p := 0
	args = [][]byte{}
	for {
		for p < len(line) && isInlineSpace(line[p]) {
			p++
		}
		if p >= len(line) {
			return args, true
		}

		var (
			current []byte
			inq     bool // inside "quotes"
			insq    bool // inside 'quotes'
			done    bool
		)
		for !done {
			switch {
			case inq:
				switch {
				case p >= len(line):
					return nil, false // unterminated quotes
				case line[p] == '\\' && p+3 < len(line) && line[p+1] == 'x' &&
					isHexDigit(line[p+2]) && isHexDigit(line[p+3]):
					current = append(current, hexDigitToInt(line[p+2])<<4|hexDigitToInt(line[p+3]))
					p += 3
				case line[p] == '\\' && p+1 < len(line):
					p++
					var c byte
					switch line[p] {
					case 'n':
						c = '\n'
					case 'r':
						c = '\r'
					case 't':
						c = '\t'
					case 'b':
						c = '\b'
					case 'a':
						c = '\a'
					default:
						c = line[p]
					}
					current = append(current, c)
				case line[p] == '"':
					// Closing quote must be followed by a space or the
					// end of the line.
					if p+1 < len(line) && !isInlineSpace(line[p+1]) {
						return nil, false
					}
					done = true
				default:
					current = append(current, line[p])
				}
			case insq:
				switch {
				case p >= len(line):
					return nil, false
				case line[p] == '\\' && p+1 < len(line) && line[p+1] == '\'':
					p++
					current = append(current, '\'')
				case line[p] == '\'':
					if p+1 < len(line) && !isInlineSpace(line[p+1]) {
						return nil, false
					}
					done = true
				default:
					current = append(current, line[p])
				}
			default:
				if p >= len(line) {
					done = true
					break
				}
				switch line[p] {
				case ' ', '\n', '\r', '\t':
					done = true
				case '"':
					inq = true
					if current == nil {
						current = []byte{}
					}
				case '\'':
					insq = true
					if current == nil {
						current = []byte{}
					}
				default:
					current = append(current, line[p])
				}
			}
			if p < len(line) {
				p++
			}
		}
		args = append(args, current)
	}
}

func isInlineSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexDigitToInt(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
