// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// ConfirmationCodeLength задаёт длину кода подтверждения доставки.
const ConfirmationCodeLength = 4

// IsValidConfirmationCode проверяет, что код подтверждения состоит ровно из четырёх цифр.
func IsValidConfirmationCode(code string) bool {
	if len(code) != ConfirmationCodeLength {
		return false
	}

	for _, ch := range code {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}

// IsValidEmail выполняет минимальную проверку адреса электронной почты.
func IsValidEmail(email string) bool {
	if email == "" {
		return false
	}

	at := -1
	for i, ch := range email {
		if ch == '@' {
			if at != -1 {
				return false
			}
			at = i
		}
	}

	return at > 0 && at < len(email)-1
}
