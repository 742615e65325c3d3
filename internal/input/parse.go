package input

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Status distinguishes the outcome of parsing a piece of user text.
type Status int

const (
	// NotProvided means the message carried nothing usable.
	NotProvided Status = iota
	// Malformed means the message had the expected shape but could not be parsed.
	Malformed
	// Valid means the message parsed into a value.
	Valid
	// Empty means the user explicitly answered "none".
	Empty
)

// IntResult is the outcome of ParseInt.
type IntResult struct {
	Status Status
	Value  int
}

// ParseInt parses a whole message as an integer.
func ParseInt(msg string) IntResult {
	s := strings.TrimSpace(msg)
	s = strings.TrimRight(s, ".!")
	if s == "" {
		return IntResult{Status: NotProvided}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return IntResult{Status: Malformed}
	}
	return IntResult{Status: Valid, Value: v}
}

// ListResult is the outcome of ParseList.
type ListResult struct {
	Status Status
	Items  []string
}

// ParseList reads a list answer. Embedded JSON arrays are accepted (strings
// or objects carrying nome/name/descricao/description); otherwise the text
// is split on new lines, semicolons and commas. "nenhum" and similar yield
// Status Empty with a non-nil empty slice.
func ParseList(msg string) ListResult {
	s := strings.TrimSpace(msg)
	if s == "" {
		return ListResult{Status: NotProvided}
	}
	if IsNoneSentinel(s) {
		return ListResult{Status: Empty, Items: []string{}}
	}
	if looksLikeJSON(s) {
		return parseJSONList(s)
	}

	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == ';' || r == ','
	})
	items := cleanItems(parts)
	if len(items) == 0 {
		return ListResult{Status: NotProvided}
	}
	return ListResult{Status: Valid, Items: items}
}

// ParseLines reads a list answer split only on new lines and semicolons,
// for answers whose items may contain commas.
func ParseLines(msg string) ListResult {
	s := strings.TrimSpace(msg)
	if s == "" {
		return ListResult{Status: NotProvided}
	}
	if IsNoneSentinel(s) {
		return ListResult{Status: Empty, Items: []string{}}
	}
	if looksLikeJSON(s) {
		return parseJSONList(s)
	}
	items := cleanItems(strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ';' }))
	if len(items) == 0 {
		return ListResult{Status: NotProvided}
	}
	return ListResult{Status: Valid, Items: items}
}

// Structured returns the parsed JSON payload embedded in msg. The status is
// NotProvided when msg is not JSON-shaped and Malformed when it is
// JSON-shaped but invalid.
func Structured(msg string) (gjson.Result, Status) {
	s := strings.TrimSpace(msg)
	if !looksLikeJSON(s) {
		return gjson.Result{}, NotProvided
	}
	if !gjson.Valid(s) {
		return gjson.Result{}, Malformed
	}
	return gjson.Parse(s), Valid
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{")
}

func parseJSONList(s string) ListResult {
	if !gjson.Valid(s) {
		return ListResult{Status: Malformed}
	}
	root := gjson.Parse(s)
	if root.IsObject() {
		for _, key := range []string{"itens", "items", "lista", "list"} {
			if arr := root.Get(key); arr.IsArray() {
				root = arr
				break
			}
		}
	}
	if !root.IsArray() {
		return ListResult{Status: Malformed}
	}

	var raw []string
	ok := true
	root.ForEach(func(_, value gjson.Result) bool {
		text, found := ItemText(value)
		if !found {
			ok = false
			return false
		}
		raw = append(raw, text)
		return true
	})
	if !ok {
		return ListResult{Status: Malformed}
	}
	items := cleanItems(raw)
	if len(items) == 0 {
		return ListResult{Status: Empty, Items: []string{}}
	}
	return ListResult{Status: Valid, Items: items}
}

// ItemText extracts the display text of one JSON list element.
func ItemText(value gjson.Result) (string, bool) {
	switch {
	case value.Type == gjson.String:
		return value.String(), true
	case value.IsObject():
		for _, key := range []string{"nome", "name", "descricao", "description", "texto", "text"} {
			if v := value.Get(key); v.Type == gjson.String {
				return v.String(), true
			}
		}
	}
	return "", false
}

func cleanItems(parts []string) []string {
	seen := make(map[string]bool, len(parts))
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		item := CollapseSpaces(stripBullet(p))
		if item == "" {
			continue
		}
		key := Normalize(item)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, item)
	}
	return items
}

// stripBullet removes leading list markers such as "-", "*", "1." or "2)".
func stripBullet(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*•")
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// Name validation errors.
var (
	ErrNameTooShort     = errors.New("name is too short")
	ErrNameTooLong      = errors.New("name is too long")
	ErrNameHasDigits    = errors.New("name contains digits")
	ErrNameInvalidChars = errors.New("name contains invalid characters")
)

// Name length limits, in runes.
const (
	MinNameLength = 2
	MaxNameLength = 60
)

// ValidatePersonName checks a person's name and returns it with collapsed
// whitespace. Letters of any script, spaces, apostrophes, hyphens and dots
// are accepted.
func ValidatePersonName(msg string) (string, error) {
	name := CollapseSpaces(msg)
	n := utf8.RuneCountInString(name)
	if n < MinNameLength {
		return "", ErrNameTooShort
	}
	if n > MaxNameLength {
		return "", ErrNameTooLong
	}
	for _, r := range name {
		switch {
		case unicode.IsDigit(r):
			return "", ErrNameHasDigits
		case unicode.IsLetter(r), unicode.Is(unicode.Mn, r), r == ' ', r == '\'', r == '-', r == '.', r == '’':
		default:
			return "", ErrNameInvalidChars
		}
	}
	return name, nil
}

// MatchOption resolves msg against a numbered option list, either by its
// 1-based number or by accent-insensitive name. Partial names resolve only
// when exactly one option contains them.
func MatchOption(msg string, options []string) (int, bool) {
	if r := ParseInt(msg); r.Status == Valid {
		if r.Value >= 1 && r.Value <= len(options) {
			return r.Value - 1, true
		}
		return 0, false
	}
	n := Normalize(msg)
	if n == "" {
		return 0, false
	}
	for i, opt := range options {
		if Normalize(opt) == n {
			return i, true
		}
	}
	match := -1
	for i, opt := range options {
		if strings.Contains(Normalize(opt), n) {
			if match >= 0 {
				return 0, false
			}
			match = i
		}
	}
	if match < 0 {
		return 0, false
	}
	return match, true
}
