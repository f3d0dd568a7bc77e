package provisioner

import "strings"

// DefaultReservedNames are names the platforms refuse for outbound identities.
var DefaultReservedNames = []string{"discord", "telegram"}

// Latin letters swapped for their Cyrillic lookalikes.
var homoglyphs = strings.NewReplacer(
	"a", "а", "A", "А",
	"c", "с", "C", "С",
	"e", "е", "E", "Е",
	"o", "о", "O", "О",
	"p", "р", "P", "Р",
	"x", "х", "X", "Х",
)

// CallPrefix derives the invocation prefix of a persona from the first two
// characters of its name, e.g. "Chloe" -> "..ch".
func CallPrefix(name string) string {
	runes := []rune(strings.ToLower(strings.TrimSpace(name)))
	return ".." + string(runes[:min(2, len(runes))])
}

// SanitizeName substitutes lookalike characters when name contains one of the
// reserved words. A reserved word needs at least one letter with a lookalike.
func SanitizeName(name string, reserved []string) string {
	lower := strings.ToLower(name)
	for _, word := range reserved {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return homoglyphs.Replace(name)
		}
	}
	return name
}
