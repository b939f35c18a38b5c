package guard

import (
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxMessageLength caps chat prompts, in code points.
	MaxMessageLength = 1000
	// MaxFieldLength caps short form fields such as names and emails.
	MaxFieldLength = 500
	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 8
)

// Clean strips characters that could break downstream rendering, trims
// surrounding whitespace and truncates the result to max code points.
//
// Removed: '<', '>' and control characters other than newline and tab.
func Clean(text string, max int) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '<' || r == '>':
			continue
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r) || r == utf8.RuneError:
			continue
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if max > 0 && utf8.RuneCountInString(out) > max {
		runes := []rune(out)
		out = strings.TrimSpace(string(runes[:max]))
	}
	return out
}

// Sanitize cleans text and rejects it if nothing remains.
func Sanitize(field, text string, max int) (string, error) {
	clean := Clean(text, max)
	if clean == "" {
		return "", invalid(field, ErrEmpty)
	}
	return clean, nil
}

// ValidateMessage sanitizes a chat prompt.
func ValidateMessage(text string) (string, error) {
	return Sanitize("message", text, MaxMessageLength)
}

// ValidateName sanitizes a display name.
func ValidateName(name string) (string, error) {
	return Sanitize("name", name, MaxFieldLength)
}

// ValidateEmail sanitizes and checks an email address.
func ValidateEmail(email string) (string, error) {
	clean, err := Sanitize("email", email, MaxFieldLength)
	if err != nil {
		return "", err
	}
	addr, err := mail.ParseAddress(clean)
	if err != nil || addr.Address != clean || !strings.Contains(clean[strings.LastIndex(clean, "@")+1:], ".") {
		return "", invalid("email", ErrInvalidEmail)
	}
	return strings.ToLower(clean), nil
}

// ValidatePassword checks password strength. Passwords are not cleaned.
func ValidatePassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return invalid("password", ErrEmpty)
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return invalid("password", ErrWeakPassword)
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return invalid("password", ErrWeakPassword)
	}
	return nil
}

// RequirePassword only checks that a password was supplied. Sign-in uses it
// so that legacy passwords are still accepted.
func RequirePassword(password string) error {
	if password == "" {
		return invalid("password", ErrEmpty)
	}
	return nil
}
