// Package validation содержит функции валидации входных данных.
package validation

import (
	"sort"
	"strings"
)

// IsValidModuleCode проверяет корректность кода экзаменационного модуля.
// Код состоит из 2–16 символов: заглавные латинские буквы, цифры и дефис,
// первый символ — буква.
func IsValidModuleCode(code string) bool {
	if len(code) < 2 || len(code) > 16 {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
			if i == 0 {
				return false
			}
		case ch == '-':
			if i == 0 || i == len(code)-1 {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// NormalizeModules приводит коды модулей к верхнему регистру, убирает
// дубликаты и возвращает отсортированный список.
func NormalizeModules(modules []string) []string {
	seen := make(map[string]struct{}, len(modules))
	res := make([]string, 0, len(modules))

	for _, m := range modules {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		res = append(res, m)
	}

	sort.Strings(res)
	return res
}
