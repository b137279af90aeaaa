package normalize

import (
	"strconv"
	"strings"
)

var units = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
	"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tens = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fourty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// ConvertNumberWords replaces spelled-out cardinals with digits.
//
// Handles units, teens, tens with or without a hyphen ("twenty-eight",
// "twenty eight") and hundreds up to 999 ("one hundred nineteen",
// "a hundred and fifty"). A number never extends across punctuation
// attached to a word, so "three. Sixteen" stays two numbers.
func ConvertNumberWords(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		n, consumed, trail := parseNumber(words[i:])
		if consumed == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, strconv.Itoa(n)+trail)
		i += consumed
	}
	return strings.Join(out, " ")
}

// parseNumber reads the longest number phrase at the start of words. It
// returns the value, the number of words consumed and any trailing
// punctuation from the last consumed word.
func parseNumber(words []string) (value, consumed int, trail string) {
	word, punct := splitPunct(words[0])
	lw := strings.ToLower(word)

	hundreds := 0
	i := 0
	if punct == "" && len(words) > 1 {
		mult, ok := units[lw]
		if lw == "a" {
			mult, ok = 1, true
		}
		next, p2 := splitPunct(words[1])
		if ok && mult > 0 && mult < 10 && strings.EqualFold(next, "hundred") {
			hundreds = mult * 100
			i = 2
			punct = p2
		}
	}

	if hundreds > 0 {
		if punct != "" || i >= len(words) {
			return hundreds, i, punct
		}
		j := i
		if w, _ := splitPunct(words[j]); strings.EqualFold(w, "and") && j+1 < len(words) {
			j++
		}
		rest, n, p := parseBelowHundred(words[j:])
		if n == 0 {
			return hundreds, i, punct
		}
		return hundreds + rest, j + n, p
	}

	rest, n, p := parseBelowHundred(words)
	return rest, n, p
}

// parseBelowHundred reads a number in [0, 99] at the start of words.
func parseBelowHundred(words []string) (value, consumed int, trail string) {
	word, punct := splitPunct(words[0])
	lw := strings.ToLower(word)

	if t, u, ok := strings.Cut(lw, "-"); ok {
		tv, tok := tens[t]
		uv, uok := units[u]
		if tok && uok && uv > 0 && uv < 10 {
			return tv + uv, 1, punct
		}
		return 0, 0, ""
	}
	if u, ok := units[lw]; ok {
		return u, 1, punct
	}
	tv, ok := tens[lw]
	if !ok {
		return 0, 0, ""
	}
	if punct != "" || len(words) < 2 {
		return tv, 1, punct
	}
	next, p2 := splitPunct(words[1])
	if uv, ok := units[strings.ToLower(next)]; ok && uv > 0 && uv < 10 {
		return tv + uv, 2, p2
	}
	return tv, 1, punct
}

// splitPunct separates trailing sentence punctuation from w.
func splitPunct(w string) (word, punct string) {
	end := len(w)
	for end > 0 && strings.IndexByte(".!?:)\"'", w[end-1]) >= 0 {
		end--
	}
	return w[:end], w[end:]
}
