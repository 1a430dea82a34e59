// Package enums provides type-safe enumeration types for the gateway.
//
// Enum types are defined as unexported integer types in this file and the go:generate
// directives invoke go-pkgz/enum to create the exported types in *_enum.go files, with
// String, Parse, MarshalText/UnmarshalText and Scan/Value methods.
//
// Usage:
//
//	action := enums.ActionCreate
//	fmt.Println(action.String()) // "create"
//
//	parsed, err := enums.ParseAction("stop")
//
// To regenerate the enum types after modifications:
//
//	go generate ./app/web/enums
package enums

//go:generate go run github.com/go-pkgz/enum@latest -type action -lower

// action is a kind of proxied call recorded in request history.
// Use the exported Action type and its constants in actual code.
type action int

const (
	actionCreate action = iota
	actionStart
	actionStop
	actionGet
	actionList
	actionMetrics
	actionUser
	actionExtra
)
