// Пакет budget укладывает содержимое объектов в лимит размера записи
// поискового индекса: обрезка строк по байтам UTF-8 без разрыва символов
// и поэтапное сокращение структурированного содержимого.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxRecordBytes: лимит закодированного содержимого одной записи.
	// Оставляет запас под служебные поля до лимита индекса в 10 КБ.
	MaxRecordBytes = 9000
	// MaxRounds: предел раундов деления пополам. Удаление необязательных
	// элементов идёт, пока уменьшает размер.
	MaxRounds = 50
)

// ErrOverBudget: содержимое не уложилось в бюджет даже после очистки.
var ErrOverBudget = errors.New("содержимое превышает бюджет размера")

// CutUTF8 возвращает префикс s, UTF-8 представление которого не длиннее
// budget байт. Символы не разрываются. step задаёт, сколько символов
// отбрасывается с конца за итерацию (step < 1 трактуется как 1).
func CutUTF8(s string, budget, step int) string {
	if budget <= 0 {
		return ""
	}
	if len(s) <= budget {
		return s
	}
	if step < 1 {
		step = 1
	}

	runes := []rune(s)
	// Каждый символ занимает минимум один байт, поэтому больше budget
	// символов не поместится в любом случае.
	if len(runes) > budget {
		runes = runes[:budget]
	}
	for len(runes) > 0 && encodedLen(runes) > budget {
		n := len(runes) - step
		if n < 0 {
			n = 0
		}
		runes = runes[:n]
	}
	return string(runes)
}

func encodedLen(runes []rune) int {
	n := 0
	for _, r := range runes {
		n += utf8.RuneLen(r)
	}
	return n
}

// HalveString сокращает строку примерно вдвое по байтам.
// Возвращает false, если сокращать уже нечего.
func HalveString(s *string) bool {
	if s == nil || *s == "" {
		return false
	}
	*s = CutUTF8(*s, len(*s)/2, 1)
	return true
}

// Largest возвращает указатель на самую длинную непустую строку или nil.
func Largest(fields ...*string) *string {
	var best *string
	for _, f := range fields {
		if f == nil || *f == "" {
			continue
		}
		if best == nil || len(*f) > len(*best) {
			best = f
		}
	}
	return best
}

// Reducible: структурированное содержимое, которое умеет сокращаться.
// Каждый шаг обязан уменьшать содержимое и возвращать false, когда
// сокращать больше нечего.
type Reducible interface {
	// DropOptional удаляет одно наименее важное поле или элемент.
	DropOptional() bool
	// HalveLargest сокращает вдвое текст самого крупного вложенного элемента.
	HalveLargest() bool
	// ClearLarge очищает все крупные вложенные элементы.
	ClearLarge()
}

// Size возвращает длину JSON-представления v в байтах.
func Size(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("кодирование содержимого: %w", err)
	}
	return len(data), nil
}

// Fit сокращает v до limit байт в JSON-представлении по приоритетам:
// сначала удаляются необязательные поля, пока DropOptional возвращает true,
// затем до MaxRounds раз делятся пополам крупнейшие элементы, в конце
// очищается всё крупное.
// Возвращает итоговый размер. ErrOverBudget означает, что после очистки
// содержимое всё ещё больше limit.
func Fit(v Reducible, limit int) (int, error) {
	size, err := Size(v)
	if err != nil || size <= limit {
		return size, err
	}

	// Размер строго убывает на каждом шаге, иначе этап прерывается
	for prev := size; v.DropOptional(); prev = size {
		if size, err = Size(v); err != nil || size <= limit {
			return size, err
		}
		if size >= prev {
			break
		}
	}

	for round := 0; round < MaxRounds && v.HalveLargest(); round++ {
		if size, err = Size(v); err != nil || size <= limit {
			return size, err
		}
	}

	v.ClearLarge()
	if size, err = Size(v); err != nil {
		return size, err
	}
	if size > limit {
		return size, ErrOverBudget
	}
	return size, nil
}

// Encode кодирует содержимое в JSON, предварительно укладывая его
// в limit байт, если оно реализует Reducible.
func Encode(v any, limit int) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if r, ok := v.(Reducible); ok {
		if _, err := Fit(r, limit); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("кодирование содержимого: %w", err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: %d > %d байт", ErrOverBudget, len(data), limit)
	}
	return data, nil
}
