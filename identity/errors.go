package identity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Firebase REST error codes that callers branch on.
const (
	CodeEmailNotFound           = "EMAIL_NOT_FOUND"
	CodeInvalidPassword         = "INVALID_PASSWORD"
	CodeInvalidLoginCredentials = "INVALID_LOGIN_CREDENTIALS"
	CodeEmailExists             = "EMAIL_EXISTS"
	CodeWeakPassword            = "WEAK_PASSWORD"
	CodeInvalidEmail            = "INVALID_EMAIL"
	CodeUserDisabled            = "USER_DISABLED"
	CodeTooManyAttempts         = "TOO_MANY_ATTEMPTS_TRY_LATER"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeInvalidRefreshToken     = "INVALID_REFRESH_TOKEN"
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodeInvalidCustomToken      = "INVALID_CUSTOM_TOKEN"
)

// Error is a failure reported by the Identity Toolkit or Secure Token API.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("firebase auth %s: %s", e.Code, e.Message)
	}
	return "firebase auth " + e.Code
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseError turns a non-2xx Firebase response into *Error. Firebase packs
// the code and an optional explanation into one string: "CODE : details".
func parseError(resp *resty.Response) *Error {
	e := &Error{Status: resp.StatusCode()}

	var env errorEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil || env.Error.Message == "" {
		e.Code = "HTTP_" + fmt.Sprint(resp.StatusCode())
		e.Message = strings.TrimSpace(string(resp.Body()))
		return e
	}

	code, detail, found := strings.Cut(env.Error.Message, " : ")
	e.Code = strings.TrimSpace(code)
	if found {
		e.Message = strings.TrimSpace(detail)
	} else {
		e.Message = e.Code
	}
	return e
}
