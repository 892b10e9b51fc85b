//go:build js && wasm

package appmode

import (
	"fmt"
	"syscall/js"

	"livegate/client"
)

// WebStorage adapts window.localStorage or window.sessionStorage to client.Storage.
// Browsers throw from these APIs in private mode or over quota; the exceptions come
// back as errors wrapping client.ErrStorageUnavailable.
type WebStorage struct {
	name string
}

// LocalStorage is durable per-origin storage.
func LocalStorage() *WebStorage { return &WebStorage{name: "localStorage"} }

// SessionStorage is cleared when the tab closes.
func SessionStorage() *WebStorage { return &WebStorage{name: "sessionStorage"} }

func (s *WebStorage) Get(key string) (value string, ok bool, err error) {
	err = s.guard(func(store js.Value) {
		v := store.Call("getItem", key)
		if v.Type() == js.TypeString {
			value, ok = v.String(), true
		}
	})
	return value, ok, err
}

func (s *WebStorage) Set(key, value string) error {
	return s.guard(func(store js.Value) { store.Call("setItem", key, value) })
}

func (s *WebStorage) Remove(key string) error {
	return s.guard(func(store js.Value) { store.Call("removeItem", key) })
}

func (s *WebStorage) guard(fn func(js.Value)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", client.ErrStorageUnavailable, s.name, r)
		}
	}()
	store := js.Global().Get(s.name)
	if !store.Truthy() {
		return fmt.Errorf("%w: %s missing", client.ErrStorageUnavailable, s.name)
	}
	fn(store)
	return nil
}
