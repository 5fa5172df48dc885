package wire

// FilterPrintable keeps the printable ASCII bytes (0x20..0x7E) up to the first
// newline. It is the only noise filter between the radio and the parser.
func FilterPrintable(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == '\n' {
			break
		}
		if c >= 0x20 && c <= 0x7E {
			out = append(out, c)
		}
	}
	return out
}
