package errs

const (
	AuthorizationError     = 1001
	ProtocolError          = 1101
	AuthorizationViolation = 1201
	NotMember              = 1202
	RecordNotFound         = 1301
	RecordIsExist          = 1302
	ServerInternalError    = 1500
)

var (
	ErrTicketInvalid = NewCodeError(AuthorizationError, "ticket invalid or already used")
	ErrUnauthorized  = NewCodeError(AuthorizationError, "unauthorized")

	ErrMissingMethod    = NewCodeError(ProtocolError, "missing method")
	ErrUnknownMethod    = NewCodeError(ProtocolError, "unknown method")
	ErrMalformedPayload = NewCodeError(ProtocolError, "malformed payload")

	ErrNotSubscribed = NewCodeError(AuthorizationViolation, "not subscribed to conversation")
	ErrForbidden     = NewCodeError(AuthorizationViolation, "forbidden")
	ErrNotMember     = NewCodeError(NotMember, "not a member of the conversation")

	ErrRecordNotFound = NewCodeError(RecordNotFound, "record not found")
	ErrRecordIsExist  = NewCodeError(RecordIsExist, "record already exists")

	ErrInternal = NewCodeError(ServerInternalError, "internal error")
)
