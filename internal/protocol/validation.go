package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	MaxNameLength    = 20
	MaxChatLength    = 280
	MaxOptionLength  = 64
	MaxReasonLength  = 280
	RoomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

// Validator returns the shared validator with the protocol tags registered.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		RegisterValidations(validate)
	})
	return validate
}

// RegisterValidations installs the "roomcode", "playername" and "chattext"
// tags on engine.
func RegisterValidations(engine *validator.Validate) {
	_ = engine.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
		return IsRoomCode(fl.Field().String())
	})
	_ = engine.RegisterValidation("playername", func(fl validator.FieldLevel) bool {
		_, err := ValidateName(fl.Field().String())
		return err == nil
	})
	_ = engine.RegisterValidation("chattext", func(fl validator.FieldLevel) bool {
		_, err := ValidateChat(fl.Field().String())
		return err == nil
	})
}

func ValidateName(name string) (string, error) {
	return validateText("name", name, MaxNameLength)
}

func ValidateChat(text string) (string, error) {
	return validateText("chat message", text, MaxChatLength)
}

func ValidateOption(option string) (string, error) {
	trimmed := strings.TrimSpace(option)
	if trimmed == "" {
		return "", errors.New("option is required")
	}
	if len(trimmed) > MaxOptionLength {
		return "", fmt.Errorf("option must be %d characters or fewer", MaxOptionLength)
	}
	for _, r := range trimmed {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		if r == '-' || r == '_' || r == '.' || r == ':' {
			continue
		}
		return "", errors.New("option contains unsupported characters")
	}
	return trimmed, nil
}

func validateText(label, text string, maxLen int) (string, error) {
	trimmed := normalizeText(text)
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", label)
	}
	if len([]rune(trimmed)) > maxLen {
		return "", fmt.Errorf("%s must be %d characters or fewer", label, maxLen)
	}
	if !isSafeText(trimmed) {
		return "", fmt.Errorf("%s contains unsupported characters", label)
	}
	return trimmed, nil
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func isSafeText(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) || r == ' ' {
			continue
		}
		switch r {
		case '+', '=', '<', '>', '^', '$', '~', '`', '|':
			continue
		default:
			return false
		}
	}
	return true
}
