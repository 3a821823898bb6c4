// Defines the validation interface for requests.

package dto

// Validatable is implemented by request types that can validate their fields.
// Wrap in handler_wrapper.go uses it as a type constraint.
type Validatable interface {
	Validate() error
}
