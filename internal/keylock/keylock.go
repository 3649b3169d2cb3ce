// Package keylock — взаимоисключение по строковому ключу (публичный ключ peer'а).
package keylock

import "github.com/moby/locker"

// Locker держит мьютекс на ключ, пока он кому-то нужен.
type Locker struct {
	l *locker.Locker
}

func New() *Locker { return &Locker{l: locker.New()} }

// Lock блокирует key и возвращает функцию разблокировки.
func (l *Locker) Lock(key string) func() {
	l.l.Lock(key)
	return func() {
		// ошибка возможна только при Unlock без Lock
		_ = l.l.Unlock(key)
	}
}
