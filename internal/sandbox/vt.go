package sandbox

import "strings"

// StripControl removes VT escape sequences and non-printing control
// characters from terminal output so build logs stay readable. Tabs are
// preserved; carriage returns and escape sequences are dropped.
func StripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		if c == 0x1b { // ESC
			i++
			if i < len(s) && s[i] == '[' {
				// CSI sequence: parameters then a final byte in @-~.
				i++
				for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
					i++
				}
				if i < len(s) {
					i++
				}
			} else if i < len(s) && s[i] == ']' {
				// OSC sequence: terminated by BEL or ESC \.
				i++
				for i < len(s) && s[i] != 0x07 && s[i] != 0x1b {
					i++
				}
				if i < len(s) && s[i] == 0x07 {
					i++
				} else if i+1 < len(s) && s[i] == 0x1b && s[i+1] == '\\' {
					i += 2
				}
			} else if i < len(s) {
				i++
			}
			continue
		}
		if c < 0x20 && c != '\t' && c != '\n' {
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}
