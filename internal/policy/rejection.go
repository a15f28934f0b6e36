package policy

// Code is the machine-readable reason a login attempt was rejected.
type Code string

const (
	CodeInvalidLogin   Code = "invalid_login"
	CodeInactive       Code = "inactive"
	CodeUsernameLocked Code = "username_locked_out"
	CodeAddressLocked  Code = "address_locked_out"
)

// invalidLoginText is deliberately generic so callers cannot tell which
// factor failed.
const invalidLoginText = "Please enter a correct username and password. " +
	"Note that both fields may be case-sensitive."

// Rejection is the outcome of a refused login attempt. It is a decision,
// not an error: infrastructure faults travel separately as Go errors.
type Rejection struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func invalidLogin() *Rejection {
	return &Rejection{Code: CodeInvalidLogin, Message: invalidLoginText}
}
