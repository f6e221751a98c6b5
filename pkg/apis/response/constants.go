package response

type ErrCode int

const (
	_                             ErrCode = 10000 + iota
	ErrCodeMalformedJSON                  // 10001
	ErrCodeRequestBody                    // 10002
	_                                     // 10003, unused
	ErrCodeResourceNotFound               // 10004
	ErrCodeLegalActionNotFound            // 10005
	ErrCodeActionValue                    // 10006
	ErrCodeNoResponse                     // 10007
	ErrCodeInvalidReading                 // 10008
	ErrCodeBusUnavailable                 // 10009
	ErrCodeTooManyRequests                // 10010
	ErrCodeSinkUnavailable                // 10011
	ErrCodeNotPatchable                   // 10012
	ErrCodeTooManyPatchOperations         // 10013
)

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end, and append comment of number
// Meanwhile, the corresponding error message SHOULD be appended in response.errors
// The order MUST be consistent between them
