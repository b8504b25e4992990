// Package replaycode implements the fixed 5-digit replay code table
// used inside X-rr headers: digits 1-2 are the app code, 3-4 the
// subapp code, and digit 5 is the random-variant flag. The table is
// the authority for name<->code translation; unknown names or codes
// pass through unchanged.
package replaycode

// Replay names use '-' externally; callers that look up a filename
// form ('_' separator) should normalize first via Normalize.
var table = map[string]string{
	"hangout-video-10secs":        "01000",
	"hangout-video-10secs-random": "01001",

	"netflix-auto-5secs":        "02000",
	"netflix-auto-5secs-random": "02001",

	"skype-video-10secs":        "03000",
	"skype-video-10secs-random": "03001",

	"spotify-normal-15secs":        "04000",
	"spotify-normal-15secs-random": "04001",

	"viber-video-10secs":        "05000",
	"viber-video-10secs-random": "05001",

	"youtube-144p":                 "06010",
	"youtube-144p-random":          "06011",
	"youtube-240p":                 "06020",
	"youtube-240p-random":          "06021",
	"youtube-360p":                 "06030",
	"youtube-360p-random":          "06031",
	"youtube-480p":                 "06040",
	"youtube-480p-random":          "06041",
	"youtube-720p":                 "06050",
	"youtube-720p-random":          "06051",
	"youtube-144p-oneStream":       "06060",
	"youtube-144-oneStream-random": "06061",
}

var reverse = buildReverse(table)

func buildReverse(t map[string]string) map[string]string {
	r := make(map[string]string, len(t))
	for name, code := range t {
		r[code] = name
	}
	return r
}

// Normalize converts a filename-style replay name (using '_' as
// separator) to its external '-'-separated form, leaving already
// externally-formed names untouched. Both forms are accepted on
// lookup, per the trace store's invariant (iii).
func Normalize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '_' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Encode returns the 5-digit code for a replay name. ok is false if
// the name is not in the table; callers should then pass the name
// through unchanged.
func Encode(name string) (code string, ok bool) {
	code, ok = table[Normalize(name)]
	return code, ok
}

// Decode returns the replay name for a 5-digit code. ok is false if
// the code is not in the table.
func Decode(code string) (name string, ok bool) {
	name, ok = reverse[code]
	return name, ok
}

// IsRandomVariant reports whether a code's digit 5 marks it as the
// random (control) variant of a replay.
func IsRandomVariant(code string) bool {
	return len(code) == 5 && code[4] == '1'
}
