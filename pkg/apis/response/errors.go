package response

var errors = map[ErrCode]string{
	ErrCodeMalformedJSON:          "The JSON you provided was not well-formed or did not validate against our published format.",
	ErrCodeRequestBody:            "Request body error",
	ErrCodeResourceNotFound:       "%s not found.",
	ErrCodeLegalActionNotFound:    "Legal action not found.",
	ErrCodeActionValue:            "Action value %v is out of range.",
	ErrCodeNoResponse:             "Module %s did not respond.",
	ErrCodeInvalidReading:         "Module %s returned an implausible value.",
	ErrCodeBusUnavailable:         "The bus is unavailable.",
	ErrCodeTooManyRequests:        "Too many control requests, retry later.",
	ErrCodeSinkUnavailable:        "Failed to send measurements.",
	ErrCodeNotPatchable:           "Module %s has no calibration.",
	ErrCodeTooManyPatchOperations: "The patch has more than %d operations.",
}

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end of enum firstly.

var ErrMalformedJSON = &responseError{
	Code:    ErrCodeMalformedJSON,
	Message: errors[ErrCodeMalformedJSON],
}

var ErrRequestBody = &responseError{
	Code:    ErrCodeRequestBody,
	Message: errors[ErrCodeRequestBody],
}

var ErrLegalActionNotFound = &responseError{
	Code:    ErrCodeLegalActionNotFound,
	Message: errors[ErrCodeLegalActionNotFound],
}

var ErrBusUnavailable = &responseError{
	Code:    ErrCodeBusUnavailable,
	Message: errors[ErrCodeBusUnavailable],
}

var ErrTooManyRequests = &responseError{
	Code:    ErrCodeTooManyRequests,
	Message: errors[ErrCodeTooManyRequests],
}
