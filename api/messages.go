package api

import (
	"context"
	"errors"
	"strings"

	"healthsense/identity"
)

const (
	LocaleEnglish    = "en"
	LocaleVietnamese = "vi"
)

type messageKey string

const (
	msgNetwork       messageKey = "network"
	msgTimeout       messageKey = "timeout"
	msgUnauthorized  messageKey = "unauthorized"
	msgForbidden     messageKey = "forbidden"
	msgNotFound      messageKey = "not_found"
	msgServer        messageKey = "server"
	msgValidation    messageKey = "validation"
	msgRateLimited   messageKey = "rate_limited"
	msgUserNotFound  messageKey = "user_not_found"
	msgWrongPassword messageKey = "wrong_password"
	msgEmailInUse    messageKey = "email_in_use"
	msgWeakPassword  messageKey = "weak_password"
	msgInvalidEmail  messageKey = "invalid_email"
	msgUserDisabled  messageKey = "user_disabled"
	msgTooManyTries  messageKey = "too_many_attempts"
	msgSessionEnded  messageKey = "session_expired"
)

var messages = map[string]map[messageKey]string{
	LocaleEnglish: {
		msgNetwork:       "Network error. Please try again.",
		msgTimeout:       "The request timed out.",
		msgUnauthorized:  "You are not authorized to access this resource.",
		msgForbidden:     "Access denied.",
		msgNotFound:      "Resource not found.",
		msgServer:        "Server error. Please try again later.",
		msgValidation:    "Invalid data.",
		msgRateLimited:   "Too many requests. Please try again later.",
		msgUserNotFound:  "User not found.",
		msgWrongPassword: "Incorrect password.",
		msgEmailInUse:    "Email is already in use.",
		msgWeakPassword:  "Password is too weak.",
		msgInvalidEmail:  "Invalid email address.",
		msgUserDisabled:  "This account has been disabled.",
		msgTooManyTries:  "Too many requests. Please try again later.",
		msgSessionEnded:  "Your session has expired. Please sign in again.",
	},
	LocaleVietnamese: {
		msgNetwork:       "Lỗi kết nối mạng. Vui lòng thử lại.",
		msgTimeout:       "Yêu cầu hết thời gian chờ.",
		msgUnauthorized:  "Bạn không có quyền truy cập.",
		msgForbidden:     "Truy cập bị từ chối.",
		msgNotFound:      "Không tìm thấy tài nguyên.",
		msgServer:        "Lỗi server. Vui lòng thử lại sau.",
		msgValidation:    "Dữ liệu không hợp lệ.",
		msgRateLimited:   "Quá nhiều yêu cầu. Vui lòng thử lại sau.",
		msgUserNotFound:  "Không tìm thấy người dùng",
		msgWrongPassword: "Mật khẩu không đúng",
		msgEmailInUse:    "Email đã được sử dụng",
		msgWeakPassword:  "Mật khẩu quá yếu",
		msgInvalidEmail:  "Email không hợp lệ",
		msgUserDisabled:  "Tài khoản đã bị vô hiệu hóa",
		msgTooManyTries:  "Quá nhiều yêu cầu. Vui lòng thử lại sau",
		msgSessionEnded:  "Phiên đăng nhập đã hết hạn. Vui lòng đăng nhập lại.",
	},
}

var identityMessages = map[string]messageKey{
	identity.CodeEmailNotFound:           msgUserNotFound,
	identity.CodeUserNotFound:            msgUserNotFound,
	identity.CodeInvalidPassword:         msgWrongPassword,
	identity.CodeInvalidLoginCredentials: msgWrongPassword,
	identity.CodeEmailExists:             msgEmailInUse,
	identity.CodeWeakPassword:            msgWeakPassword,
	identity.CodeInvalidEmail:            msgInvalidEmail,
	identity.CodeUserDisabled:            msgUserDisabled,
	identity.CodeTooManyAttempts:         msgTooManyTries,
	identity.CodeTokenExpired:            msgSessionEnded,
	identity.CodeInvalidRefreshToken:     msgSessionEnded,
}

// DisplayMessage turns err into text suitable for showing to the user in
// locale. Unknown locales fall back to English.
func DisplayMessage(err error, locale string) string {
	if err == nil {
		return ""
	}
	table, ok := messages[strings.ToLower(locale)]
	if !ok {
		table = messages[LocaleEnglish]
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case KindNetwork:
			return table[msgNetwork]
		case KindTimeout:
			return table[msgTimeout]
		case KindAuth:
			if apiErr.Err != nil {
				return table[msgSessionEnded]
			}
			return table[msgUnauthorized]
		case KindForbidden:
			return table[msgForbidden]
		case KindNotFound:
			return table[msgNotFound]
		case KindRateLimited:
			return table[msgRateLimited]
		case KindValidation:
			return detailOr(apiErr, table[msgValidation])
		case KindClient:
			return detailOr(apiErr, table[msgServer])
		default:
			if apiErr.Status == 500 {
				return table[msgServer]
			}
			return detailOr(apiErr, table[msgServer])
		}
	}

	var idErr *identity.Error
	if errors.As(err, &idErr) {
		if key, ok := identityMessages[idErr.Code]; ok {
			return table[key]
		}
		if idErr.Message != "" {
			return idErr.Message
		}
		return table[msgServer]
	}

	switch {
	case errors.Is(err, identity.ErrSignedOut):
		return table[msgSessionEnded]
	case errors.Is(err, context.DeadlineExceeded):
		return table[msgTimeout]
	}
	return table[msgServer]
}

func detailOr(e *Error, fallback string) string {
	if e.Detail != "" {
		return e.Detail
	}
	return fallback
}
