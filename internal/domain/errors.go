package domain

import (
	"fmt"
	"strings"
)

// FetchError фиксирует неудачную выгрузку одного аккаунта в рамках пакета.
// Ошибка одного аккаунта не прерывает остальных.
type FetchError struct {
	AccountID int64
	Provider  Provider
	Login     string
	Err       error
}

// Error реализует error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("аккаунт %s/%s: %v", e.Provider, e.Login, e.Err)
}

// Unwrap возвращает исходную ошибку.
func (e *FetchError) Unwrap() error { return e.Err }

// RefreshError агрегирует ошибки аккаунтов за один цикл обновления.
// Частичный успех — штатный случай, поэтому цикл никогда не сводится
// к одному булеву результату.
type RefreshError struct {
	Errors []*FetchError
}

// Add добавляет ошибку аккаунта.
func (e *RefreshError) Add(fe *FetchError) {
	e.Errors = append(e.Errors, fe)
}

// Len возвращает число накопленных ошибок.
func (e *RefreshError) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Errors)
}

// ErrOrNil возвращает nil, если ошибок не было.
func (e *RefreshError) ErrOrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Error реализует error.
func (e *RefreshError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "обновление завершено с %d ошибками", len(e.Errors))
	for _, fe := range e.Errors {
		b.WriteString("; ")
		b.WriteString(fe.Error())
	}
	return b.String()
}
