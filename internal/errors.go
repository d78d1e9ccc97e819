package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is an error with an HTTP status code and a stable machine
// readable code. Handlers inspect it to pick the response status; clients
// switch on Code, never on Message.
type HandlerError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON renders the {error, message} body the pairing endpoints return.
func (e HandlerError) JSON() []byte {
	b, _ := json.Marshal(jsonError{Error: e.Code, Message: e.Err.Error()})
	return b
}

// NewHandlerError builds a HandlerError from a status, code and format string.
func NewHandlerError(statusCode int, code, format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: statusCode,
		Code:       code,
		Err:        fmt.Errorf(format, args...),
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and TETHER_DEBUG=1 then the program panics.
// If expr is false and TETHER_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("TETHER_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
