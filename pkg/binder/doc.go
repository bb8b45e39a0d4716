// Package binder fills request structs from JSON bodies, path parameters
// and query strings. Binders have the signature
// func(r *http.Request, v any) error so they plug into handler.WithBinders.
package binder
